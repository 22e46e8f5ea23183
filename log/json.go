package log

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

type jsonformatter struct {
	out        io.Writer
	timelayout string
	keynames   *EventKeyNames
}

// NewJSONFormatter creates a new formatting Handler writing log events as JSON lines to the supplied Writer.
func NewJSONFormatter(w io.Writer) Handler {
	return &jsonformatter{out: w, keynames: defaultKeyNames, timelayout: time.RFC3339Nano}
}

func (f *jsonformatter) Log(e Event) error {
	m := make(map[string]interface{}, len(e.Data)/2+4)
	m[f.keynames.Lvl] = int(e.Lvl)
	m[f.keynames.Msg] = e.Msg
	if e.Name != "" {
		m[f.keynames.Name] = e.Name
	}
	m[f.keynames.Time] = e.Time.Format(f.timelayout)
	for i := 0; i+1 < len(e.Data); i += 2 {
		var key string
		switch k := e.Data[i].(type) {
		case string:
			key = k
		default:
			key = fmt.Sprint(k)
		}
		v := e.Data[i+1]
		switch x := v.(type) {
		case error:
			if x != nil {
				v = x.Error()
			}
		case fmt.Stringer:
			v = x.String()
		}
		m[key] = v
	}
	return json.NewEncoder(f.out).Encode(m)
}
