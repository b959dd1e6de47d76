package session

import (
	"bytes"
	"encoding/json"
	"regexp"
	"sort"
	"strconv"

	"github.com/pkg/errors"
)

var (
	nextDataRe  = regexp.MustCompile(`<script id="__NEXT_DATA__" type="application/json">(.+?)</script>`)
	keyScriptRe = regexp.MustCompile(`<script>if\(.+\)throw new Error;(.+)</script>`)
	keyTextRe   = regexp.MustCompile(`var .="([0-9a-f]+)",`)
	keyCipherRe = regexp.MustCompile(`.\[(\d+)\]=.\[(\d+)\]`)
)

// ExtractFormKey recovers the signing seed from the obfuscated script on the
// home page. The script assigns characters of a hex key into a result array;
// the last character of the assembled key is padding.
func ExtractFormKey(html string) (string, error) {
	script := keyScriptRe.FindStringSubmatch(html)
	if script == nil {
		return "", errors.New("form key script not found")
	}
	key := keyTextRe.FindStringSubmatch(script[1])
	if key == nil {
		return "", errors.New("form key text not found")
	}
	pairs := keyCipherRe.FindAllStringSubmatch(script[1], -1)
	if len(pairs) == 0 {
		return "", errors.New("form key cipher not found")
	}

	out := make([]byte, len(pairs))
	for _, p := range pairs {
		dst, err1 := strconv.Atoi(p[1])
		src, err2 := strconv.Atoi(p[2])
		if err1 != nil || err2 != nil || dst >= len(out) || src >= len(key[1]) {
			return "", errors.Errorf("form key cipher out of range: %s", p[0])
		}
		out[dst] = key[1][src]
	}
	formKey := string(bytes.ReplaceAll(out, []byte{0}, nil))
	if len(formKey) < 2 {
		return "", errors.New("form key too short")
	}
	return formKey[:len(formKey)-1], nil
}

// ExtractNextData returns the parsed __NEXT_DATA__ document embedded in html.
func ExtractNextData(html string) (map[string]any, error) {
	m := nextDataRe.FindStringSubmatch(html)
	if m == nil {
		return nil, errors.New("__NEXT_DATA__ not found")
	}
	return decodeObject([]byte(m[1]))
}

func decodeObject(b []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, errors.Wrap(err, "decode json document")
	}
	return out, nil
}

// FindObject walks doc depth first and returns the first object stored under
// key. Object keys are visited in sorted order so the result is stable.
func FindObject(doc any, key string) map[string]any {
	stack := []any{doc}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		switch v := cur.(type) {
		case map[string]any:
			if found, ok := v[key].(map[string]any); ok {
				return found
			}
			keys := make([]string, 0, len(v))
			for k := range v {
				keys = append(keys, k)
			}
			sort.Sort(sort.Reverse(sort.StringSlice(keys)))
			for _, k := range keys {
				stack = append(stack, v[k])
			}
		case []any:
			for i := len(v) - 1; i >= 0; i-- {
				stack = append(stack, v[i])
			}
		}
	}
	return nil
}

// convert re-encodes a generic object into a typed value.
func convert(obj map[string]any, out any) error {
	b, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}
