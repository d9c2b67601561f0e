package invoker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"sort"
	"strconv"
)

// encodeMultipart renders write data as multipart/form-data. Top-level
// scalars become plain fields, []byte values become file parts and nested
// objects or lists are sent JSON-encoded.
func encodeMultipart(data any) ([]byte, string, error) {
	fields, ok := data.(map[string]any)
	if !ok {
		return nil, "", fmt.Errorf("invoker: form data must be an object, got %T", data)
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, key := range keys {
		if err := writeFormValue(w, key, fields[key]); err != nil {
			return nil, "", fmt.Errorf("invoker: form field %q: %w", key, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("invoker: close form: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func writeFormValue(w *multipart.Writer, key string, value any) error {
	switch v := value.(type) {
	case nil:
		return nil
	case []byte:
		part, err := w.CreateFormFile(key, key)
		if err != nil {
			return err
		}
		_, err = part.Write(v)
		return err
	case string:
		return w.WriteField(key, v)
	case bool:
		return w.WriteField(key, strconv.FormatBool(v))
	case int:
		return w.WriteField(key, strconv.Itoa(v))
	case int64:
		return w.WriteField(key, strconv.FormatInt(v, 10))
	case float64:
		return w.WriteField(key, strconv.FormatFloat(v, 'f', -1, 64))
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return w.WriteField(key, string(encoded))
	}
}
