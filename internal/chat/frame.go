package chat

import (
	"bytes"
	"errors"
	"io"

	"github.com/go-stomp/stomp/v3/frame"
)

// STOMP commands used by the chat transport.
const (
	commandConnect     = frame.CONNECT
	commandConnected   = frame.CONNECTED
	commandSubscribe   = frame.SUBSCRIBE
	commandUnsubscribe = frame.UNSUBSCRIBE
	commandSend        = frame.SEND
	commandDisconnect  = frame.DISCONNECT
	commandMessage     = frame.MESSAGE
	commandReceipt     = frame.RECEIPT
	commandError       = frame.ERROR
)

func newFrame(command string, headers ...string) *frame.Frame {
	return frame.New(command, headers...)
}

// writeFrameTo renders one frame into w, which is a single websocket message.
func writeFrameTo(w io.Writer, f *frame.Frame) error {
	return frame.NewWriter(w).Write(f)
}

// decodeFrame parses one websocket message. A message made only of EOLs is a
// heart-beat and decodes to nil.
func decodeFrame(raw []byte) (*frame.Frame, error) {
	reader := frame.NewReader(bytes.NewReader(raw))
	for {
		decoded, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if decoded != nil {
			return decoded, nil
		}
	}
}
