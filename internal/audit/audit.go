// Package audit formats allocator audit events as logfmt lines.
package audit

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/bytebufferpool"
)

// FormatEvent appends one line for the event to buf: the timestamp, the event
// name and the details in key order.
func FormatEvent(buf *bytebufferpool.ByteBuffer, at time.Time, event string, details map[string]interface{}) {
	_, _ = buf.WriteString("time=")
	_, _ = buf.WriteString(at.UTC().Format(time.RFC3339Nano))
	_, _ = buf.WriteString(" event=")
	writeValue(buf, event)

	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		_ = buf.WriteByte(' ')
		writeValue(buf, k)
		_ = buf.WriteByte('=')
		writeValue(buf, details[k])
	}
	_ = buf.WriteByte('\n')
}

func writeValue(buf *bytebufferpool.ByteBuffer, v interface{}) {
	var s string
	switch v := v.(type) {
	case string:
		s = v
	case error:
		s = v.Error()
	case fmt.Stringer:
		s = v.String()
	default:
		s = fmt.Sprint(v)
	}
	if s == "" || strings.ContainsAny(s, " =\"\t\n") {
		s = strconv.Quote(s)
	}
	_, _ = buf.WriteString(s)
}
