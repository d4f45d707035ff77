package server

import (
	"bufio"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"io"
	"os"

	"github.com/awinterman/anarchoredis/replication"
)

// StoreSnapshot implements replication.SnapshotProducer over Store. The
// wire format is deliberately not RDB: four bytes of magic, then one
// (db uint32, key len, key, value len, value) record per entry, terminated
// by a db index of -1. It exists to give BGSAVE/full-resync something real
// to stream; loadSnapshot parses it back into a Store.
type StoreSnapshot struct {
	Store *Store
	// Backlog, if set, supplies the master offset the snapshot represents,
	// captured at the moment the snapshot is taken (the BGSAVE "fork
	// point"). Left nil in tests that don't care about the returned offset.
	Backlog *replication.Backlog
}

var snapshotMagic = []byte("ARSN")

func (s *StoreSnapshot) SnapshotToDisk(path string) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	offset, err := s.write(w)
	if err != nil {
		return 0, err
	}
	if err := w.Flush(); err != nil {
		return 0, err
	}
	return offset, nil
}

func (s *StoreSnapshot) SnapshotToSocket(w io.Writer) (int64, error) {
	var raw [20]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return 0, err
	}
	nonce := hex.EncodeToString(raw[:])
	if _, err := io.WriteString(w, "$EOF:"+nonce+"\r\n"); err != nil {
		return 0, err
	}
	offset, err := s.write(w)
	if err != nil {
		return 0, err
	}
	if _, err := io.WriteString(w, nonce); err != nil {
		return 0, err
	}
	return offset, nil
}

func (s *StoreSnapshot) write(w io.Writer) (int64, error) {
	var offset int64
	if s.Backlog != nil {
		offset = s.Backlog.MasterOffset()
	}

	if _, err := w.Write(snapshotMagic); err != nil {
		return 0, err
	}

	s.Store.mu.RLock()
	defer s.Store.mu.RUnlock()

	for db, keys := range s.Store.dbs {
		for key, value := range keys {
			if err := writeRecord(w, uint32(db), key, value); err != nil {
				return 0, err
			}
		}
	}
	if err := writeTerminator(w); err != nil {
		return 0, err
	}
	return offset, nil
}

func writeRecord(w io.Writer, db uint32, key, value string) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], db)
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if err := writeLenPrefixed(w, key); err != nil {
		return err
	}
	return writeLenPrefixed(w, value)
}

func writeLenPrefixed(w io.Writer, s string) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func writeTerminator(w io.Writer) error {
	var term [4]byte
	binary.BigEndian.PutUint32(term[:], 0xFFFFFFFF)
	_, err := w.Write(term[:])
	return err
}

// loadSnapshot reads back the format StoreSnapshot.write produces. Nothing
// in this repository calls it: a replica's full-resync payload is consumed
// and discarded by replication.Link, and Run does not reload RDBPath at
// startup.
func loadSnapshot(r io.Reader, store *Store) error {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return err
	}
	for {
		var hdr [4]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		db := binary.BigEndian.Uint32(hdr[:])
		if db == 0xFFFFFFFF {
			return nil
		}
		key, err := readLenPrefixed(r)
		if err != nil {
			return err
		}
		value, err := readLenPrefixed(r)
		if err != nil {
			return err
		}
		store.Set(int(db), key, value)
	}
}

func readLenPrefixed(r io.Reader) (string, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
