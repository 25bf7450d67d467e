package protocol

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRequests(t *testing.T) {
	tests := []struct {
		name string
		line string
		want Message
	}{
		{
			name: "register",
			line: `{"header":"AUTH_REGISTER","payload":{"username":"bob","password":"longenough1A"}}`,
			want: Register{AuthPayload{Username: "bob", Password: "longenough1A"}},
		},
		{
			name: "login",
			line: `{"header":"AUTH_LOGIN","payload":{"username":"bob","password":"x"}}`,
			want: Login{AuthPayload{Username: "bob", Password: "x"}},
		},
		{name: "logout", line: `{"header":"AUTH_LOGOUT"}`, want: Logout{}},
		{name: "bye", line: `{"header":"BYE"}`, want: Bye{}},
		{name: "inbox", line: `{"header":"INBOX_READING_REQUEST"}`, want: InboxRequest{}},
		{name: "choice", line: `{"header":"INBOX_READING_CHOICE","payload":{"choice":3}}`, want: InboxChoice{Choice: 3}},
		{
			name: "send",
			line: `{"header":"EMAIL_SENDING","payload":{"sender":"a@glo2000.ca","destination":"b@glo2000.ca","subject":"s","date":"d","content":"c"}}`,
			want: SendEmail{EmailContentPayload{Sender: "a@glo2000.ca", Destination: "b@glo2000.ca", Subject: "s", Date: "d", Content: "c"}},
		},
		{name: "stats", line: `{"header":"STATS_REQUEST"}`, want: StatsRequest{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := NewReader(strings.NewReader(tt.line+"\n"), 0).ReadEnvelope()
			require.NoError(t, err)

			msg, err := Decode(env)
			require.NoError(t, err)
			assert.Equal(t, tt.want, msg)
			assert.Equal(t, env.Header, msg.Header())
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	_, err := Decode(Envelope{Header: "FLY_TO_MOON"})
	assert.ErrorIs(t, err, ErrUnknownHeader)

	_, err = Decode(Envelope{Header: HeaderAuthLogin})
	assert.ErrorIs(t, err, ErrMissingPayload)

	_, err = Decode(Envelope{Header: HeaderInboxReadingChoice, Payload: []byte(`{"choice":"um"}`)})
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestEncodeDecodeSendEmailWithNewlines(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	sent := SendEmail{EmailContentPayload{
		Sender:      "alice@glo2000.ca",
		Destination: "bob@glo2000.ca",
		Subject:     "linhas",
		Date:        "Mon, 01 Jan 2024 10:00:00 +0000",
		Content:     "primeira\nsegunda\n.\n",
	}}
	require.NoError(t, w.WriteMessage(sent))
	assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte("\n")), "conteúdo com quebras de linha deve ocupar um único quadro")

	env, err := NewReader(&buf, 0).ReadEnvelope()
	require.NoError(t, err)
	msg, err := Decode(env)
	require.NoError(t, err)
	assert.Equal(t, sent, msg)
}

func TestReaderReassemblesFragmentedFrames(t *testing.T) {
	stream := `{"header":"STATS_REQUEST"}` + "\n\n" + `{"header":"BYE"}` + "\n"
	r := NewReader(iotest.OneByteReader(strings.NewReader(stream)), 0)

	env, err := r.ReadEnvelope()
	require.NoError(t, err)
	assert.Equal(t, HeaderStatsRequest, env.Header)

	env, err = r.ReadEnvelope()
	require.NoError(t, err)
	assert.Equal(t, HeaderBye, env.Header)

	_, err = r.ReadEnvelope()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReaderLimits(t *testing.T) {
	big := `{"header":"EMAIL_SENDING","payload":{"content":"` + strings.Repeat("x", 10000) + `"}}` + "\n"
	_, err := NewReader(strings.NewReader(big), 1024).ReadEnvelope()
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	_, err = NewReader(strings.NewReader(`{"header":"BYE"`), 0).ReadEnvelope()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, err = NewReader(strings.NewReader("not json\n"), 0).ReadEnvelope()
	assert.ErrorIs(t, err, ErrMalformedEnvelope)

	_, err = NewReader(strings.NewReader(`{"payload":{}}`+"\n"), 0).ReadEnvelope()
	assert.True(t, errors.Is(err, ErrMalformedEnvelope))
}

func TestReplies(t *testing.T) {
	env := NewError("usuário desconhecido")
	assert.Equal(t, HeaderError, env.Header)
	assert.Equal(t, "usuário desconhecido", env.ErrorMessage())

	env, err := NewOK(StatsPayload{Count: 2, Size: 300})
	require.NoError(t, err)
	var stats StatsPayload
	require.NoError(t, env.DecodePayload(&stats))
	assert.Equal(t, StatsPayload{Count: 2, Size: 300}, stats)

	env, err = NewOK(nil)
	require.NoError(t, err)
	assert.Empty(t, env.Payload)
}
