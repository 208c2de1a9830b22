package cli

import (
	"encoding/json"
	"fmt"
	"io"
)

// Output writes command results as text or JSON.
type Output struct {
	Format string
	Writer io.Writer
}

// Result writes data as indented JSON, or the text form otherwise.
func (o *Output) Result(data any, text string, args ...any) error {
	if o.Format == "json" {
		enc := json.NewEncoder(o.Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	}
	_, err := fmt.Fprintf(o.Writer, text+"\n", args...)
	return err
}
