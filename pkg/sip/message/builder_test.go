package message

import (
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEndpoint() Endpoint {
	return Endpoint{Host: "192.0.2.10", Port: 5060, User: "100", UserAgent: "embedded_phone"}
}

func testInvite(t *testing.T) *sip.Request {
	t.Helper()
	e := testEndpoint()
	target, err := ParseTarget("200@pbx.example")
	require.NoError(t, err)

	req, err := e.NewRequest(sip.INVITE, target).
		From(e.ContactURI(), "100", "local").
		To(target, "").
		CallID("call-1").
		CSeq(7).
		Contact().
		Build()
	require.NoError(t, err)
	return req
}

func TestRequestBuilder_Validate(t *testing.T) {
	e := testEndpoint()
	target, err := ParseTarget("reg.example")
	require.NoError(t, err)

	_, err = e.NewRequest(sip.REGISTER, target).
		From(target, "", "t").
		To(target, "").
		CallID("c").
		CSeq(1).
		Build()
	assert.ErrorIs(t, err, ErrMissingHeader, "REGISTER without Contact")

	_, err = e.NewRequest(sip.OPTIONS, target).
		From(target, "", "t").
		To(target, "").
		CSeq(1).
		Build()
	assert.ErrorIs(t, err, ErrMissingHeader, "no Call-ID")

	_, err = e.NewRequest(sip.OPTIONS, target).
		From(target, "", "t").
		To(target, "").
		CallID("c").
		CSeq(1).
		Body("", []byte("x")).
		Build()
	assert.ErrorIs(t, err, ErrMissingHeader, "body without type")
}

func TestRequestBuilder_Headers(t *testing.T) {
	req := testInvite(t)

	assert.Equal(t, "call-1", CallID(req))
	assert.Equal(t, uint32(7), req.CSeq().SeqNo)
	assert.Equal(t, sip.INVITE, req.CSeq().MethodName)
	assert.Equal(t, "local", Tag(req.From().Params))
	assert.Empty(t, Tag(req.To().Params))
	require.NotNil(t, req.Contact())
	assert.Equal(t, "192.0.2.10", req.Contact().Address.Host)
	assert.NotEmpty(t, Branch(req.Via()))
	require.NotNil(t, req.GetHeader("User-Agent"))
}

func TestNewResponse_ToTag(t *testing.T) {
	e := testEndpoint()
	req := testInvite(t)

	res := e.NewResponse(req, sip.StatusOK, "OK", "remote")
	assert.Equal(t, "remote", Tag(res.To().Params))
	require.NotNil(t, res.Contact(), "2xx to INVITE carries Contact")
	assert.Equal(t, "call-1", CallID(res))

	busy := e.NewResponse(req, sip.StatusBusyHere, "Busy Here", "remote")
	assert.Nil(t, busy.Contact())
}

func TestNewAck(t *testing.T) {
	e := testEndpoint()
	invite := testInvite(t)

	t.Run("non-2xx reuses INVITE branch", func(t *testing.T) {
		res := e.NewResponse(invite, sip.StatusBusyHere, "Busy Here", "peer")
		ack, err := e.NewAck(invite, res)
		require.NoError(t, err)
		assert.Equal(t, sip.ACK, ack.Method)
		assert.Equal(t, Branch(invite.Via()), Branch(ack.Via()))
		assert.Equal(t, invite.Recipient.String(), ack.Recipient.String())
		assert.Equal(t, "peer", Tag(ack.To().Params))
		assert.Equal(t, invite.CSeq().SeqNo, ack.CSeq().SeqNo)
	})

	t.Run("2xx is a new transaction to Contact", func(t *testing.T) {
		res := sip.NewResponseFromRequest(invite, sip.StatusOK, "OK", nil)
		res.To().Params.Add("tag", "peer")
		res.AppendHeader(&sip.ContactHeader{Address: sip.Uri{Scheme: "sip", User: "200", Host: "198.51.100.7", Port: 5062}})

		ack, err := e.NewAck(invite, res)
		require.NoError(t, err)
		assert.NotEqual(t, Branch(invite.Via()), Branch(ack.Via()))
		assert.Equal(t, "198.51.100.7", ack.Recipient.Host)
		assert.Equal(t, 5062, ack.Recipient.Port)
	})
}

func TestNewCancel(t *testing.T) {
	e := testEndpoint()
	invite := testInvite(t)

	cancel, err := e.NewCancel(invite)
	require.NoError(t, err)
	assert.Equal(t, sip.CANCEL, cancel.Method)
	assert.Equal(t, Branch(invite.Via()), Branch(cancel.Via()))
	assert.Equal(t, invite.CSeq().SeqNo, cancel.CSeq().SeqNo)
	assert.Equal(t, sip.CANCEL, cancel.CSeq().MethodName)
	assert.Equal(t, CallID(invite), CallID(cancel))
}

func TestNewBye(t *testing.T) {
	e := testEndpoint()
	bye, err := e.NewBye(DialogParams{
		CallID:       "call-1",
		LocalURI:     e.ContactURI(),
		LocalTag:     "l",
		RemoteURI:    sip.Uri{Scheme: "sip", User: "200", Host: "pbx.example"},
		RemoteTag:    "r",
		RemoteTarget: sip.Uri{Scheme: "sip", User: "200", Host: "198.51.100.7"},
	}, 8)
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.7", bye.Recipient.Host)
	assert.Equal(t, "l", Tag(bye.From().Params))
	assert.Equal(t, "r", Tag(bye.To().Params))
	assert.Equal(t, uint32(8), bye.CSeq().SeqNo)
}

func TestExpires(t *testing.T) {
	e := testEndpoint()
	target, err := ParseTarget("reg.example")
	require.NoError(t, err)
	reg, err := e.NewRequest(sip.REGISTER, target).
		From(target, "", "t").
		To(target, "").
		CallID("c").
		CSeq(1).
		Contact().
		Build()
	require.NoError(t, err)

	res := sip.NewResponseFromRequest(reg, sip.StatusOK, "OK", nil)
	_, ok := Expires(res)
	assert.False(t, ok)

	res.AppendHeader(sip.NewHeader("Expires", "600"))
	secs, ok := Expires(res)
	assert.True(t, ok)
	assert.Equal(t, 600, secs)
}

func TestGenerateIdentifiers(t *testing.T) {
	assert.NotEqual(t, GenerateTag(), GenerateTag())
	assert.Len(t, GenerateTag(), 16)
	assert.Contains(t, GenerateCallID("host"), "@host")
	assert.NotContains(t, GenerateCallID(""), "@")
}
