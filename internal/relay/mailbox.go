package relay

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/1ureka/coact/internal/protocol"
)

const mailPrefix = "mail/"

// Mailbox stores mail for offline peers. Keys are mail/<peer>/<seq> with
// seq a big endian counter, so a prefix scan yields mail in arrival order.
type Mailbox struct {
	db *leveldb.DB

	mu  sync.Mutex
	seq uint64
}

// OpenMailbox opens or creates a mailbox in dir.
func OpenMailbox(dir string) (*Mailbox, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("open mailbox %s: %w", dir, err)
	}
	return newMailbox(db)
}

// NewMemMailbox creates a mailbox that lives in memory only.
func NewMemMailbox() (*Mailbox, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("open memory mailbox: %w", err)
	}
	return newMailbox(db)
}

func newMailbox(db *leveldb.DB) (*Mailbox, error) {
	m := &Mailbox{db: db}

	it := db.NewIterator(util.BytesPrefix([]byte(mailPrefix)), nil)
	for it.Next() {
		key := it.Key()
		if len(key) >= 8 {
			m.seq = max(m.seq, binary.BigEndian.Uint64(key[len(key)-8:]))
		}
	}
	it.Release()
	if err := it.Error(); err != nil {
		db.Close()
		return nil, fmt.Errorf("scan mailbox: %w", err)
	}
	return m, nil
}

func peerPrefix(peer protocol.PeerID) []byte {
	return []byte(mailPrefix + string(peer) + "/")
}

// Put appends one message to peer's mail.
func (m *Mailbox) Put(peer protocol.PeerID, msg []byte) error {
	m.mu.Lock()
	m.seq++
	seq := m.seq
	m.mu.Unlock()

	key := binary.BigEndian.AppendUint64(peerPrefix(peer), seq)
	if err := m.db.Put(key, msg, nil); err != nil {
		return fmt.Errorf("store mail for %s: %w", peer, err)
	}
	mailboxSize.Inc()
	return nil
}

// Take removes and returns peer's mail in arrival order.
func (m *Mailbox) Take(peer protocol.PeerID) ([][]byte, error) {
	var msgs [][]byte
	batch := new(leveldb.Batch)

	it := m.db.NewIterator(util.BytesPrefix(peerPrefix(peer)), nil)
	for it.Next() {
		msg := make([]byte, len(it.Value()))
		copy(msg, it.Value())
		msgs = append(msgs, msg)
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("read mail for %s: %w", peer, err)
	}

	if batch.Len() > 0 {
		if err := m.db.Write(batch, nil); err != nil {
			return nil, fmt.Errorf("delete mail for %s: %w", peer, err)
		}
		mailboxSize.Sub(float64(batch.Len()))
	}
	return msgs, nil
}

// Count returns the number of messages waiting for peer.
func (m *Mailbox) Count(peer protocol.PeerID) int {
	n := 0
	it := m.db.NewIterator(util.BytesPrefix(peerPrefix(peer)), nil)
	for it.Next() {
		n++
	}
	it.Release()
	return n
}

// Close closes the database.
func (m *Mailbox) Close() error {
	return m.db.Close()
}
