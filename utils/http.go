package utils

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
)

// PrintJsonResponse writes an indented copy of a JSON body to stdout.
func PrintJsonResponse(resp io.ReadCloser) {
	defer resp.Close()
	body, _ := io.ReadAll(resp)

	var out bytes.Buffer
	if err := json.Indent(&out, body, "", "\t"); err != nil {
		_, _ = os.Stdout.Write(body)
		return
	}
	out.WriteString("\n")
	_, _ = out.WriteTo(os.Stdout)
}
