// Package corpus loads labeled training examples from a delimited text
// dataset. The source format is messy: the message field may contain the
// delimiter, quote characters and literal newlines, and quotes are not
// consistently escaped, so logical records are reassembled from physical
// lines with a boundary heuristic instead of a regular csv reader.
package corpus

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"strings"

	"github.com/akudrin/mailsieve/lib/classifier"
)

// Load reads the dataset from a reader and returns labeled examples. The
// first line is a header and is discarded. Each logical record has the shape
// `index,label,message,flag` where flag is 0 or 1. Records yielding fewer
// than 3 fields are dropped, a trailing incomplete record is discarded, and
// a read failure returns whatever was assembled so far along with the error.
func Load(r io.Reader) ([]classifier.Example, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	res := []classifier.Example{}
	if !scanner.Scan() { // skip header
		if err := scanner.Err(); err != nil {
			return res, fmt.Errorf("failed to read dataset header: %w", err)
		}
		return res, nil
	}

	var buf strings.Builder
	quotes, malformed := 0, 0
	for scanner.Scan() {
		line := scanner.Text()
		if buf.Len() == 0 && !startsRecord(line) {
			continue // stray continuation fragment from a prior malformed record
		}
		buf.WriteString(line)
		buf.WriteString("\n")
		quotes += strings.Count(line, `"`)

		if !recordComplete(quotes, line) {
			continue
		}
		fields := splitFields(strings.TrimSpace(buf.String()))
		if len(fields) >= 3 {
			res = append(res, classifier.Example{Text: fields[2], Label: parseLabel(fields[1])})
		} else {
			malformed++
		}
		buf.Reset()
		quotes = 0
	}
	if malformed > 0 {
		log.Printf("[DEBUG] dropped %d malformed records", malformed)
	}
	if err := scanner.Err(); err != nil {
		return res, fmt.Errorf("failed to read dataset: %w", err)
	}
	return res, nil
}

// LoadFile loads examples from a dataset file.
func LoadFile(file string) ([]classifier.Example, error) {
	fh, err := os.Open(file) //nolint:gosec // file path comes from the operator
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset %s: %w", file, err)
	}
	defer fh.Close()
	return Load(fh)
}

// Split shuffles examples with a seeded RNG and cuts them at a boundary
// index into train and test parts. The input slice is not modified.
func Split(examples []classifier.Example, ratio float64, seed int64) (train, test []classifier.Example) {
	shuffled := make([]classifier.Example, len(examples))
	copy(shuffled, examples)
	rnd := rand.New(rand.NewSource(seed)) //nolint:gosec // reproducible shuffle, not security related
	rnd.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	boundary := int(float64(len(shuffled)) * ratio)
	return shuffled[:boundary], shuffled[boundary:]
}

// recordComplete reports whether the accumulated buffer forms a complete
// logical record: the last physical line ends with the trailing numeric
// field (",0" or ",1") and the quote count over the whole buffer is even.
// The heuristic misfires when a quoted message literally ends a line with
// ",0"/",1" while quotes happen to balance, or contains an odd number of
// literal quote characters; the dataset relies on neither, and the behavior
// is kept as is.
func recordComplete(quoteCount int, lastLine string) bool {
	looksComplete := strings.HasSuffix(lastLine, ",0") || strings.HasSuffix(lastLine, ",1")
	return looksComplete && quoteCount%2 == 0
}

// startsRecord reports whether a line can start a new logical record, i.e.
// begins with the decimal index field.
func startsRecord(line string) bool {
	return line != "" && line[0] >= '0' && line[0] <= '9'
}

// splitFields splits a logical record on commas, honoring quoted fields.
// A doubled quote inside a quoted field decodes to a single literal quote.
// The final field is emitted even without a trailing delimiter.
func splitFields(record string) []string {
	fields := []string{}
	var field strings.Builder
	inQuotes := false

	for i := 0; i < len(record); i++ {
		c := record[i]
		switch {
		case c == '"':
			if inQuotes && i+1 < len(record) && record[i+1] == '"' {
				field.WriteByte('"')
				i++
				continue
			}
			inQuotes = !inQuotes
		case c == ',' && !inQuotes:
			fields = append(fields, field.String())
			field.Reset()
		default:
			field.WriteByte(c)
		}
	}
	return append(fields, field.String())
}

// parseLabel maps the label field to a class, anything but "spam" is ham.
func parseLabel(label string) classifier.Label {
	if strings.EqualFold(label, "spam") {
		return classifier.Spam
	}
	return classifier.Ham
}
