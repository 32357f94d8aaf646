package kfmt

import "io"

// PrefixWriter is an io.Writer that tags every line written to Sink with
// Prefix. Subsystems use it to label multi-line reports such as the boot
// memory map. Output is suppressed while the active log level is less verbose
// than Level; the zero Level (LevelError) never suppresses anything.
type PrefixWriter struct {
	// Sink receives the prefixed output.
	Sink io.Writer

	// Prefix is written at the beginning of each line.
	Prefix []byte

	// Level is the least verbose log level at which output is emitted.
	Level Level

	// midLine is set when the last write did not end with a line feed.
	midLine bool
}

// Write writes p to the sink, injecting the prefix in front of every line. The
// returned count includes only bytes from p. Suppressed writes report
// len(p) bytes as written.
func (w *PrefixWriter) Write(p []byte) (int, error) {
	if w.Level > activeLevel {
		return len(p), nil
	}

	var written int
	for len(p) != 0 {
		if !w.midLine {
			if _, err := w.Sink.Write(w.Prefix); err != nil {
				return written, err
			}
			w.midLine = true
		}

		end := 0
		for end < len(p) && p[end] != '\n' {
			end++
		}
		if end < len(p) {
			end++
			w.midLine = false
		}

		n, err := w.Sink.Write(p[:end])
		written += n
		if err != nil {
			return written, err
		}
		p = p[end:]
	}

	return written, nil
}
