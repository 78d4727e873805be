package events

import (
	"bufio"
	"io"
	"strings"
)

// WriteFrame writes msg as one server-sent event:
//
//	id: <id>
//	data: <text>
//	<blank line>
//
// Text containing newlines is split across several data lines so the
// browser reassembles it unchanged.
func WriteFrame(w io.Writer, msg Message) error {
	bw := bufio.NewWriter(w)
	bw.WriteString("id: ")
	bw.WriteString(msg.ID)
	bw.WriteString("\n")
	for _, line := range strings.Split(msg.Text, "\n") {
		bw.WriteString("data: ")
		bw.WriteString(strings.TrimSuffix(line, "\r"))
		bw.WriteString("\n")
	}
	bw.WriteString("\n")
	return bw.Flush()
}

// WriteComment writes an SSE comment line, used as a keepalive so proxies
// do not close idle streams.
func WriteComment(w io.Writer, text string) error {
	_, err := io.WriteString(w, ": "+text+"\n\n")
	return err
}
