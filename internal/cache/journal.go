package cache

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/opencontainers/go-digest"
)

const (
	journalFile    = "journal"
	journalTmpFile = "journal.tmp"
	journalMagic   = "imagecache.journal"
	journalVersion = "1"

	// The journal is compacted once this many records no longer describe
	// live state and they outnumber the live entries.
	redundantOpThreshold = 2000
)

type journalOp string

const (
	opDirty  journalOp = "DIRTY"
	opClean  journalOp = "CLEAN"
	opRead   journalOp = "READ"
	opRemove journalOp = "REMOVE"
)

type entryEncoding string

const (
	encodingRaw  entryEncoding = "raw"
	encodingZstd entryEncoding = "zstd"
)

// journalRecord is one line of the journal:
//
//	DIRTY <name>
//	CLEAN <name> <size> <digest> <format> <encoding>
//	READ <name>
//	REMOVE <name>
type journalRecord struct {
	op       journalOp
	name     string
	size     int64
	digest   digest.Digest
	format   CompressFormat
	encoding entryEncoding
}

func (r journalRecord) String() string {
	if r.op == opClean {
		return fmt.Sprintf("%s %s %d %s %s %s", r.op, r.name, r.size, r.digest, r.format, r.encoding)
	}
	return fmt.Sprintf("%s %s", r.op, r.name)
}

func parseJournalRecord(line string) (journalRecord, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return journalRecord{}, fmt.Errorf("malformed journal line %q", line)
	}

	rec := journalRecord{op: journalOp(fields[0]), name: fields[1]}
	if !validEntryName(rec.name) {
		return journalRecord{}, fmt.Errorf("invalid entry name in journal line %q", line)
	}

	switch rec.op {
	case opDirty, opRead, opRemove:
		if len(fields) != 2 {
			return journalRecord{}, fmt.Errorf("malformed %s line %q", rec.op, line)
		}
	case opClean:
		if len(fields) != 6 {
			return journalRecord{}, fmt.Errorf("malformed CLEAN line %q", line)
		}
		size, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil || size < 0 {
			return journalRecord{}, fmt.Errorf("invalid size in journal line %q", line)
		}
		dgst, err := digest.Parse(fields[3])
		if err != nil {
			return journalRecord{}, fmt.Errorf("invalid digest in journal line %q: %w", line, err)
		}
		format, err := ParseFormat(fields[4])
		if err != nil {
			return journalRecord{}, fmt.Errorf("invalid format in journal line %q", line)
		}
		encoding := entryEncoding(fields[5])
		if encoding != encodingRaw && encoding != encodingZstd {
			return journalRecord{}, fmt.Errorf("invalid encoding in journal line %q", line)
		}
		rec.size, rec.digest, rec.format, rec.encoding = size, dgst, format, encoding
	default:
		return journalRecord{}, fmt.Errorf("unknown journal op %q", fields[0])
	}

	return rec, nil
}

// validEntryName accepts the hex digests produced by entryName.
func validEntryName(name string) bool {
	if len(name) != 64 {
		return false
	}
	for _, ch := range name {
		if !(ch >= '0' && ch <= '9' || ch >= 'a' && ch <= 'f') {
			return false
		}
	}
	return true
}

// errCorruptJournal marks journal content that cannot be replayed.
type errCorruptJournal struct {
	reason string
}

func (e *errCorruptJournal) Error() string {
	return "corrupt journal: " + e.reason
}

// readJournal replays the journal at path, calling apply for each complete
// record. An unterminated final line is a torn write and is skipped; it is
// reported through truncated so the caller can rewrite the file.
func readJournal(path string, apply func(journalRecord)) (records int, truncated bool, err error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, false, err
	}
	defer func() { _ = file.Close() }()

	r := bufio.NewReader(file)

	for i, want := range []string{journalMagic, journalVersion, ""} {
		line, err := r.ReadString('\n')
		if err != nil {
			return 0, false, &errCorruptJournal{reason: fmt.Sprintf("short header at line %d", i+1)}
		}
		if strings.TrimSuffix(line, "\n") != want {
			return 0, false, &errCorruptJournal{reason: fmt.Sprintf("unexpected header line %q", strings.TrimSpace(line))}
		}
	}

	for {
		line, err := r.ReadString('\n')
		if err == io.EOF {
			return records, line != "", nil
		}
		if err != nil {
			return records, false, err
		}

		rec, parseErr := parseJournalRecord(strings.TrimSuffix(line, "\n"))
		if parseErr != nil {
			return records, false, &errCorruptJournal{reason: parseErr.Error()}
		}
		apply(rec)
		records++
	}
}

// journalWriter appends records to an open journal file.
type journalWriter struct {
	file *os.File
	w    *bufio.Writer
	sync bool
}

func openJournalWriter(path string, sync bool) (*journalWriter, error) {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, err
	}
	return &journalWriter{file: file, w: bufio.NewWriter(file), sync: sync}, nil
}

// append writes and flushes a record. With sync enabled the record is
// fsynced before append returns.
func (j *journalWriter) append(rec journalRecord) error {
	if _, err := j.w.WriteString(rec.String() + "\n"); err != nil {
		return err
	}
	if err := j.w.Flush(); err != nil {
		return err
	}
	if j.sync {
		return j.file.Sync()
	}
	return nil
}

func (j *journalWriter) flush() error {
	if err := j.w.Flush(); err != nil {
		return err
	}
	return j.file.Sync()
}

func (j *journalWriter) close() error {
	flushErr := j.w.Flush()
	closeErr := j.file.Close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// writeJournal writes a compact journal holding only CLEAN records to tmpPath,
// then renames it over path.
func writeJournal(path, tmpPath string, records []journalRecord) error {
	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}

	w := bufio.NewWriter(file)
	_, err = fmt.Fprintf(w, "%s\n%s\n\n", journalMagic, journalVersion)
	for _, rec := range records {
		if err != nil {
			break
		}
		_, err = w.WriteString(rec.String() + "\n")
	}
	if err == nil {
		err = w.Flush()
	}
	if err == nil {
		err = file.Sync()
	}
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}
