package evaluation

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/hscells/trecresults"

	"github.com/ricesearch/recipe-eval/internal/pkg/errors"
	"github.com/ricesearch/recipe-eval/internal/pkg/logger"
)

// Qrels file formats.
const (
	FormatSimple = "simple" // <qid> <docid> <grade>
	FormatTREC   = "trec"   // <qid> <iteration> <docid> <grade>
)

// LoadQrels reads a qrels file in the given format. An empty format means
// FormatSimple.
func LoadQrels(path, format string, log *logger.Logger) (Qrels, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFoundError(fmt.Sprintf("qrels file %s", path))
		}
		return nil, fmt.Errorf("opening qrels: %w", err)
	}
	defer f.Close()

	switch format {
	case "", FormatSimple:
		return ReadQrels(f, log)
	case FormatTREC:
		return ReadTRECQrels(f, log)
	default:
		return nil, errors.ValidationError(fmt.Sprintf("unknown qrels format %q", format))
	}
}

// ReadQrels parses "<qid> <docid> <grade>" lines.
//
// Lines with any other number of tokens are skipped silently. A line whose
// grade is not a non-negative integer is a MALFORMED_QRELS_LINE: it is logged
// and skipped. When a pair is judged twice the last line wins.
func ReadQrels(r io.Reader, log *logger.Logger) (Qrels, error) {
	if log == nil {
		log = logger.Default()
	}

	qrels := make(Qrels)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineNo := 0
	malformed := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		fields := strings.Fields(line)
		if len(fields) != 3 {
			continue
		}

		grade, err := parseGrade(fields[2])
		if err != nil {
			malformed++
			log.Warn("Skipping qrels line", "error", errors.MalformedQrelsLineError(lineNo, line, err))
			continue
		}

		qrels.Add(RelevanceJudgment{QueryID: fields[0], DocID: fields[1], Relevance: grade})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading qrels: %w", err)
	}

	log.Info("Loaded qrels", "queries", len(qrels), "judgments", qrels.NumJudgments(), "malformed", malformed)
	return qrels, nil
}

// ReadTRECQrels parses TREC-style "<qid> <iteration> <docid> <grade>" lines.
func ReadTRECQrels(r io.Reader, log *logger.Logger) (Qrels, error) {
	if log == nil {
		log = logger.Default()
	}

	file, err := trecresults.QrelsFromReader(r)
	if err != nil {
		return nil, errors.Wrap(errors.CodeMalformedQrelsLine, "parsing trec qrels", err)
	}

	qrels := make(Qrels)
	malformed := 0
	for topic, judged := range file.Qrels {
		for docID, q := range judged {
			if q == nil {
				continue
			}
			if q.Score < 0 {
				malformed++
				log.Warn("Skipping negative trec judgment", "query_id", topic, "doc_id", docID, "grade", q.Score)
				continue
			}
			qrels.Add(RelevanceJudgment{QueryID: topic, DocID: docID, Relevance: int(q.Score)})
		}
	}

	log.Info("Loaded trec qrels", "queries", len(qrels), "judgments", qrels.NumJudgments(), "malformed", malformed)
	return qrels, nil
}

// WriteQrels writes qrels as "<qid> <docid> <grade>" lines ordered by query
// id then doc id. Every judged pair round-trips: reading the output back
// yields an identical map, except that a query with an empty judgment map
// has no line and is absent after the reload. Qrels built by the readers or
// by Add never hold such entries.
func WriteQrels(w io.Writer, qrels Qrels) error {
	return writeJudgments(w, qrels, func(j RelevanceJudgment) string {
		return fmt.Sprintf("%s %s %d\n", j.QueryID, j.DocID, j.Relevance)
	})
}

// WriteTRECQrels writes qrels in the four column TREC layout.
func WriteTRECQrels(w io.Writer, qrels Qrels) error {
	return writeJudgments(w, qrels, func(j RelevanceJudgment) string {
		return fmt.Sprintf("%s 0 %s %d\n", j.QueryID, j.DocID, j.Relevance)
	})
}

// WriteQrelsFile writes qrels to path in the given format.
func WriteQrelsFile(path, format string, qrels Qrels) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating qrels file: %w", err)
	}

	switch format {
	case "", FormatSimple:
		err = WriteQrels(f, qrels)
	case FormatTREC:
		err = WriteTRECQrels(f, qrels)
	default:
		err = errors.ValidationError(fmt.Sprintf("unknown qrels format %q", format))
	}

	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("closing qrels file: %w", closeErr)
	}
	return err
}

func writeJudgments(w io.Writer, qrels Qrels, format func(RelevanceJudgment) string) error {
	bw := bufio.NewWriter(w)
	for _, j := range qrels.Judgments() {
		if err := validateJudgment(j); err != nil {
			return err
		}
		if _, err := bw.WriteString(format(j)); err != nil {
			return fmt.Errorf("writing qrels: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("writing qrels: %w", err)
	}
	return nil
}

func validateJudgment(j RelevanceJudgment) error {
	if j.QueryID == "" || j.DocID == "" {
		return errors.ValidationError("qrels ids must be non-empty")
	}
	if strings.ContainsAny(j.QueryID, " \t\r\n") || strings.ContainsAny(j.DocID, " \t\r\n") {
		return errors.ValidationError(fmt.Sprintf("qrels ids must not contain whitespace: %q %q", j.QueryID, j.DocID))
	}
	if j.Relevance < 0 {
		return errors.ValidationError(fmt.Sprintf("negative grade %d for %s/%s", j.Relevance, j.QueryID, j.DocID))
	}
	return nil
}

func parseGrade(s string) (int, error) {
	grade, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if grade < 0 {
		return 0, fmt.Errorf("negative grade %d", grade)
	}
	return grade, nil
}
