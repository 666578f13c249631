package api

import (
	"errors"
	"io"
	"strings"

	"github.com/comigor/chatline/internal/apperr"
)

// writeEvent writes one server-sent event. Multi-line data is split over
// several data fields so the client reassembles it with newlines.
func writeEvent(w io.Writer, event, data string) error {
	var b strings.Builder
	if event != "" {
		b.WriteString("event: ")
		b.WriteString(event)
		b.WriteByte('\n')
	}
	for _, line := range strings.Split(data, "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	_, err := io.WriteString(w, b.String())
	return err
}

// writeComment keeps idle connections open through proxies.
func writeComment(w io.Writer) error {
	_, err := io.WriteString(w, ": keep-alive\n\n")
	return err
}

func streamErrorText(err error) string {
	var e *apperr.Error
	if errors.As(err, &e) {
		return e.Msg
	}
	return "Stream error"
}
