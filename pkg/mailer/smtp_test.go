package mailer

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type relayTranscript struct {
	commands []string
	data     []string
	tls      bool
	err      error
}

// startRelay serves a single SMTP session that advertises STARTTLS and
// upgrades the connection with serverTLS.
func startRelay(t *testing.T, serverTLS *tls.Config) (int, <-chan relayTranscript) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	done := make(chan relayTranscript, 1)
	go func() {
		var out relayTranscript
		defer func() { done <- out }()

		conn, err := ln.Accept()
		if err != nil {
			out.err = err
			return
		}
		defer conn.Close()
		_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

		tp := textproto.NewConn(conn)
		_ = tp.PrintfLine("220 relay.test ESMTP")
		for {
			line, err := tp.ReadLine()
			if err != nil {
				out.err = err
				return
			}
			out.commands = append(out.commands, line)
			verb := strings.ToUpper(strings.SplitN(line, " ", 2)[0])

			switch verb {
			case "EHLO":
				if out.tls {
					_ = tp.PrintfLine("250 relay.test")
				} else {
					_ = tp.PrintfLine("250-relay.test")
					_ = tp.PrintfLine("250 STARTTLS")
				}
			case "STARTTLS":
				_ = tp.PrintfLine("220 ready")
				tlsConn := tls.Server(conn, serverTLS)
				if err := tlsConn.Handshake(); err != nil {
					out.err = err
					return
				}
				out.tls = true
				tp = textproto.NewConn(tlsConn)
			case "MAIL", "RCPT":
				_ = tp.PrintfLine("250 ok")
			case "DATA":
				_ = tp.PrintfLine("354 go ahead")
				lines, err := tp.ReadDotLines()
				if err != nil {
					out.err = err
					return
				}
				out.data = lines
				_ = tp.PrintfLine("250 queued")
			case "QUIT":
				_ = tp.PrintfLine("221 bye")
				return
			default:
				_ = tp.PrintfLine("502 not implemented")
			}
		}
	}()

	return ln.Addr().(*net.TCPAddr).Port, done
}

func TestSMTPSenderUpgradesWithStartTLS(t *testing.T) {
	certSrv := httptest.NewTLSServer(nil)
	defer certSrv.Close()

	roots := x509.NewCertPool()
	roots.AddCert(certSrv.Certificate())

	port, done := startRelay(t, certSrv.TLS)

	s := NewSMTPSender(SMTPConfig{
		Host:      "127.0.0.1",
		Port:      port,
		From:      "no-reply@clinic.local",
		TLSConfig: &tls.Config{RootCAs: roots},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Send(ctx, Message{To: "alice@clinic.test", Subject: "Reset your password", Body: "open the link"}))

	out := <-done
	require.NoError(t, out.err)
	assert.True(t, out.tls)
	assert.Contains(t, out.commands, "STARTTLS")
	assert.Contains(t, out.commands, "MAIL FROM:<no-reply@clinic.local>")
	assert.Contains(t, out.commands, "RCPT TO:<alice@clinic.test>")
	assert.Contains(t, out.data, "Subject: Reset your password")
	assert.Contains(t, out.data, "open the link")
}

func TestSMTPSenderTLSConfigDefaultsServerName(t *testing.T) {
	s := NewSMTPSender(SMTPConfig{Host: "smtp.clinic.test", Port: 587})
	assert.Equal(t, "smtp.clinic.test", s.tlsConfig().ServerName)

	custom := &tls.Config{ServerName: "relay.clinic.test"}
	s = NewSMTPSender(SMTPConfig{Host: "10.0.0.5", Port: 587, TLSConfig: custom})
	assert.Equal(t, "relay.clinic.test", s.tlsConfig().ServerName)
	assert.NotSame(t, custom, s.tlsConfig())
}
