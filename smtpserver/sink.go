package smtpserver

// This file documents the DataSink contract in terms consumers can act
// on; the type itself lives in server.go alongside the rest of the
// Server configuration surface.
//
// A minimal sink that accepts everything without inspecting it:
//
//	srv.DataSink = func(sess *smtpserver.Session, data io.Reader) error {
//		_, err := io.Copy(io.Discard, data)
//		return err
//	}
//
// A sink enforcing an additional, stricter size limit than MaxDataSize
// can stop reading as soon as it knows the message is over budget; the
// engine drains whatever is left so the connection stays in sync:
//
//	srv.DataSink = func(sess *smtpserver.Session, data io.Reader) error {
//		n, err := io.CopyN(io.Discard, data, tooBigToRead)
//		if n == tooBigToRead {
//			return &smtpserver.Error{Code: 552, EnhancedCode: "5.3.4", Message: "message too big"}
//		}
//		return err
//	}
