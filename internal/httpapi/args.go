package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
)

// collectArgs builds the args map a registry-resolved endpoint expects
// from a request's query string, merged with a JSON body if present.
//
// Query values follow Moonraker's own convention: `obj=a,b` becomes
// {"obj": ["a","b"]}, a valueless key (`obj2` with no `=`) becomes
// {"obj2": nil} meaning "all", and a plain scalar value (`script=G28`)
// is passed through as a string. This single convention serves both
// object/attribute-shaped queries (get_status) and flat scalar queries
// (gcode's script=) without per-endpoint parsing.
func collectArgs(r *http.Request) (map[string]interface{}, error) {
	args := make(map[string]interface{})
	for key, values := range r.URL.Query() {
		if len(values) == 1 {
			v := values[0]
			if v == "" {
				args[key] = nil
				continue
			}
			if strings.Contains(v, ",") {
				args[key] = strings.Split(v, ",")
				continue
			}
			args[key] = v
			continue
		}
		args[key] = values
	}

	if r.Body == nil || r.Method == http.MethodGet {
		return args, nil
	}
	ct := r.Header.Get("Content-Type")
	if !strings.Contains(ct, "application/json") {
		return args, nil
	}
	var body map[string]interface{}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&body); err != nil {
		if err.Error() == "EOF" {
			return args, nil
		}
		return nil, err
	}
	for k, v := range body {
		args[k] = v
	}
	return args, nil
}
