package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "barkd/pkg/logx"
)

// fileTail is how many records the file driver keeps in memory for reads.
const fileTail = 1000

// fileStore appends JSON lines to <path without ext>.deliveries.jsonl and
// serves reads from the in-memory tail.
type fileStore struct {
	mu   sync.Mutex
	f    *os.File
	enc  *json.Encoder
	tail []DeliveryRecord
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	name := strings.TrimSuffix(cfg.Path, filepath.Ext(cfg.Path)) + ".deliveries.jsonl"

	tail, skipped, err := replay(name)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		log.Warn("delivery log replay failed", logx.String("path", name), logx.Err(err))
	case skipped > 0:
		log.Warn("delivery log has unreadable lines", logx.String("path", name), logx.Int("skipped", skipped))
	}

	f, err := os.OpenFile(name, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileStore{f: f, enc: json.NewEncoder(f), tail: tail}, nil
}

// replay reads the newest fileTail records of the log at name.
func replay(name string) (tail []DeliveryRecord, skipped int, err error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var r DeliveryRecord
		if json.Unmarshal(sc.Bytes(), &r) != nil {
			skipped++
			continue
		}
		tail = keepNewest(append(tail, r))
	}
	return tail, skipped, sc.Err()
}

func keepNewest(rs []DeliveryRecord) []DeliveryRecord {
	if len(rs) > fileTail {
		return rs[len(rs)-fileTail:]
	}
	return rs
}

func (s *fileStore) AppendDelivery(_ context.Context, r DeliveryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return os.ErrClosed
	}
	if err := s.enc.Encode(r); err != nil {
		return err
	}
	s.tail = keepNewest(append(s.tail, r))
	return nil
}

func (s *fileStore) RecentDeliveries(_ context.Context, limit int) ([]DeliveryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.tail) {
		limit = len(s.tail)
	}
	out := make([]DeliveryRecord, limit)
	for i := range out {
		out[i] = s.tail[len(s.tail)-1-i]
	}
	return out, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
