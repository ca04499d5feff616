package mailer

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBuildMultipart(t *testing.T) {
	pdf := []byte(strings.Repeat("%PDF-1.7 ", 40))
	raw, err := Build("billing@rental.test", Message{
		To:      []string{"ap@acme.test", "cfo@acme.test"},
		Subject: "Invoice INV-000042",
		Text:    "Balance due: 175.00 USD",
		Attachments: []Attachment{
			{FileName: "INV-000042.pdf", ContentType: "application/pdf", Data: pdf},
		},
	})
	require.NoError(t, err)

	msg, err := mail.ReadMessage(strings.NewReader(string(raw)))
	require.NoError(t, err)
	require.Equal(t, "ap@acme.test, cfo@acme.test", msg.Header.Get("To"))
	require.Equal(t, "Invoice INV-000042", decodeHeader(t, msg.Header.Get("Subject")))

	mediaType, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	require.NoError(t, err)
	require.Equal(t, "multipart/mixed", mediaType)

	reader := multipart.NewReader(msg.Body, params["boundary"])
	text, err := reader.NextPart()
	require.NoError(t, err)
	body, err := io.ReadAll(text)
	require.NoError(t, err)
	require.Contains(t, string(body), "Balance due: 175.00 USD")

	att, err := reader.NextPart()
	require.NoError(t, err)
	require.Equal(t, "INV-000042.pdf", att.FileName())
	encoded, err := io.ReadAll(att)
	require.NoError(t, err)
	for _, line := range strings.Split(strings.TrimSpace(string(encoded)), "\r\n") {
		require.LessOrEqual(t, len(line), 76)
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(string(encoded), "\r\n", ""))
	require.NoError(t, err)
	require.Equal(t, pdf, decoded)

	_, err = reader.NextPart()
	require.ErrorIs(t, err, io.EOF)
}

func decodeHeader(t *testing.T, v string) string {
	t.Helper()
	out, err := new(mime.WordDecoder).DecodeHeader(v)
	require.NoError(t, err)
	return out
}

func TestBuildRequiresAttachmentName(t *testing.T) {
	_, err := Build("billing@rental.test", Message{To: []string{"a@b.test"}, Attachments: []Attachment{{Data: []byte("x")}}})
	require.Error(t, err)
}

func TestSMTPSend(t *testing.T) {
	s := NewSMTP(Config{Host: "mail.local", Port: 2525, Username: "u", Password: "p", From: "billing@rental.test"})
	var gotAddr string
	var gotTo []string
	s.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotTo = addr, to
		require.NotNil(t, a)
		require.Equal(t, "billing@rental.test", from)
		return nil
	}
	require.NoError(t, s.Send(context.Background(), Message{To: []string{"ap@acme.test"}, Subject: "x"}))
	require.Equal(t, "mail.local:2525", gotAddr)
	require.Equal(t, []string{"ap@acme.test"}, gotTo)

	require.ErrorIs(t, s.Send(context.Background(), Message{}), ErrNoRecipients)

	s.send = func(string, smtp.Auth, string, []string, []byte) error { return errors.New("421 busy") }
	require.ErrorContains(t, s.Send(context.Background(), Message{To: []string{"ap@acme.test"}}), "421 busy")
}

func TestSMTPSendHonoursTimeout(t *testing.T) {
	s := NewSMTP(Config{Host: "mail.local", Port: 25, From: "billing@rental.test", Timeout: 20 * time.Millisecond})
	release := make(chan struct{})
	defer close(release)
	s.send = func(string, smtp.Auth, string, []string, []byte) error {
		<-release
		return nil
	}
	err := s.Send(context.Background(), Message{To: []string{"ap@acme.test"}})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
