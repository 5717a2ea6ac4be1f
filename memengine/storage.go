package memengine

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"time"

	json2 "github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/google/uuid"
	"github.com/zeebo/xxh3"

	"github.com/fulldump/objectdb/engine"
)

// Command is one line of the command log: every operation of a commit.
type Command struct {
	Name      string         `json:"name"`
	Uuid      string         `json:"uuid"`
	Timestamp int64          `json:"timestamp"`
	Version   engine.Version `json:"version"`
	Checksum  uint64         `json:"checksum"`
	Payload   jsontext.Value `json:"payload"`
}

type storage struct {
	Filename string
	file     *os.File
	buffer   *bufio.Writer
}

func openStorage(filename string) (*storage, error) {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0666)
	if err != nil {
		return nil, fmt.Errorf("open file for write: %w", err)
	}

	return &storage{
		Filename: filename,
		file:     f,
		buffer:   bufio.NewWriterSize(f, 64*1024),
	}, nil
}

// Persist writes the commit and flushes it before returning.
func (s *storage) Persist(version engine.Version, ops []operation) error {
	payload, err := json2.Marshal(ops, deterministic)
	if err != nil {
		return fmt.Errorf("json encode operations: %w", err)
	}

	command := &Command{
		Name:      "commit",
		Uuid:      uuid.New().String(),
		Timestamp: time.Now().UnixNano(),
		Version:   version,
		Checksum:  xxh3.Hash(payload),
		Payload:   payload,
	}

	err = json2.MarshalWrite(s.buffer, command, deterministic)
	if err != nil {
		return fmt.Errorf("write command: %w", err)
	}
	err = s.buffer.WriteByte('\n')
	if err != nil {
		return fmt.Errorf("write command: %w", err)
	}

	err = s.buffer.Flush()
	if err != nil {
		return fmt.Errorf("flush command: %w", err)
	}

	return nil
}

func (s *storage) Close() error {
	flushErr := s.buffer.Flush()
	closeErr := s.file.Close()
	return errors.Join(flushErr, closeErr)
}

// loadCommands reads every command in the log in order, checking each
// checksum. A missing file is an empty log.
func loadCommands(filename string, f func(cmd *Command, ops []operation) error) error {
	file, err := os.Open(filename)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open file for read: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	// Increase buffer size for large lines
	const maxCapacity = 16 * 1024 * 1024
	buf := make([]byte, 64*1024)
	scanner.Buffer(buf, maxCapacity)

	for line := 1; scanner.Scan(); line++ {
		if len(scanner.Bytes()) == 0 {
			continue
		}

		cmd := &Command{}
		err := json2.Unmarshal(scanner.Bytes(), cmd)
		if err != nil {
			return fmt.Errorf("%w: line %d: %s", engine.ErrCorrupted, line, err)
		}

		payload := cmd.Payload.Clone()
		err = payload.Compact()
		if err != nil {
			return fmt.Errorf("%w: line %d: %s", engine.ErrCorrupted, line, err)
		}
		if xxh3.Hash(payload) != cmd.Checksum {
			return fmt.Errorf("%w: line %d: checksum mismatch", engine.ErrCorrupted, line)
		}

		ops := []operation{}
		err = json2.Unmarshal(payload, &ops)
		if err != nil {
			return fmt.Errorf("%w: line %d: %s", engine.ErrCorrupted, line, err)
		}

		err = f(cmd, ops)
		if err != nil {
			return fmt.Errorf("replay line %d: %w", line, err)
		}
	}

	return scanner.Err()
}
