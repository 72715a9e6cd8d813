package modem_test

import (
	gomock "go.uber.org/mock/gomock"
	"i4.energy/across/espgw/modem"
)

type MockSequenceBuilder struct {
	transport *modem.MockTransport
	calls     []any
}

func NewMockSequence(transport *modem.MockTransport) *MockSequenceBuilder {
	return &MockSequenceBuilder{
		transport: transport,
		calls:     []any{},
	}
}

func (b *MockSequenceBuilder) exchange(cmd, resp string) *MockSequenceBuilder {
	b.calls = append(b.calls,
		b.transport.EXPECT().Write([]byte(cmd+"\r\n")).Return(len(cmd)+2, nil),
		b.transport.EXPECT().Read(gomock.Any()).DoAndReturn(func(p []byte) (int, error) {
			return copy(p, resp), nil
		}),
	)
	return b
}

// AT answers the wake-up check with command echo still enabled.
func (b *MockSequenceBuilder) AT() *MockSequenceBuilder {
	return b.exchange("AT", "AT\r\n\r\nOK\r\n")
}

func (b *MockSequenceBuilder) EchoOff() *MockSequenceBuilder {
	return b.exchange("ATE0", "ATE0\r\n\r\nOK\r\n")
}

func (b *MockSequenceBuilder) EchoOffRejected() *MockSequenceBuilder {
	return b.exchange("ATE0", "ATE0\r\n\r\nERROR\r\n")
}

// Banner delivers boot noise the handshake must skip.
func (b *MockSequenceBuilder) Banner() *MockSequenceBuilder {
	return b.exchange("AT", "\r\nready\r\nWIFI CONNECTED\r\n\r\nOK\r\n")
}

func (b *MockSequenceBuilder) Build() []any {
	return b.calls
}

func initMockCalls(transport *modem.MockTransport) []any {
	return NewMockSequence(transport).AT().EchoOff().Build()
}
