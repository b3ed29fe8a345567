// Package smtpserver implements an embeddable SMTP/ESMTP server core: a
// line-oriented protocol engine, connection state machine, listener
// manager, and SASL authentication sub-protocol support, independent of
// any particular storage, queueing or delivery backend.
//
// Callers embed it by constructing a Server, registering callbacks (for
// authentication and for consuming DATA payloads), and calling
// ListenAndServe. The server never parses MIME, never queues mail, and
// never talks to a backend directly; all of that is left to the
// consumer's callbacks.
package smtpserver
