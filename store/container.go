package store

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/joncooperworks/amks/crypto/secure"
)

// Container file layout:
//
//	"AMKS" [version:1] cbor{1: payload, 2: mac}
//
// payload is cbor{1: kdf, 2: salt, 3: entries}. mac is HMAC-SHA256 over
// payload, keyed by Argon2id(master password, salt).
const (
	fileMagic     = "AMKS"
	formatVersion = 1

	saltSize = 16
	keySize  = 32
)

// EntryKind is the type of material held by an entry.
type EntryKind uint8

const (
	KindSecretKey EntryKind = iota + 1
	KindKeyPair
)

func (k EntryKind) String() string {
	switch k {
	case KindSecretKey:
		return "secret-key"
	case KindKeyPair:
		return "key-pair"
	default:
		return fmt.Sprintf("EntryKind(%d)", uint8(k))
	}
}

// Scope says which password protects an entry.
type Scope uint8

const (
	// ScopeContainer entries are protected by the container master password.
	ScopeContainer Scope = iota + 1
	// ScopeAlias entries have their own password, recorded under
	// PrefAlias(alias). This is the deprecated scheme that
	// MigrateLegacyEntries converts from.
	ScopeAlias
)

func (s Scope) String() string {
	switch s {
	case ScopeContainer:
		return "container"
	case ScopeAlias:
		return "alias"
	default:
		return fmt.Sprintf("Scope(%d)", uint8(s))
	}
}

// KDFParams are the Argon2id parameters used for the container MAC key and
// for entry keys. Memory is in KiB.
type KDFParams struct {
	Time    uint32 `cbor:"1,keyasint"`
	Memory  uint32 `cbor:"2,keyasint"`
	Threads uint8  `cbor:"3,keyasint"`
}

// DefaultKDF is used for new containers when Options.KDF is zero.
var DefaultKDF = KDFParams{Time: 3, Memory: 64 * 1024, Threads: 4}

func (p KDFParams) Validate() error {
	if p.Time < 1 || p.Time > 16 {
		return fmt.Errorf("kdf time %d out of range", p.Time)
	}
	if p.Memory < 8 || p.Memory > 4*1024*1024 {
		return fmt.Errorf("kdf memory %d KiB out of range", p.Memory)
	}
	if p.Threads < 1 || p.Threads > 64 {
		return fmt.Errorf("kdf threads %d out of range", p.Threads)
	}
	return nil
}

func (p KDFParams) derive(password, salt []byte) []byte {
	return argon2.IDKey(password, salt, p.Time, p.Memory, p.Threads, keySize)
}

type entry struct {
	Alias       string    `cbor:"1,keyasint"`
	Kind        EntryKind `cbor:"2,keyasint"`
	Algorithm   string    `cbor:"3,keyasint"`
	Scope       Scope     `cbor:"4,keyasint"`
	Created     int64     `cbor:"5,keyasint"`
	Salt        []byte    `cbor:"6,keyasint"`
	Nonce       []byte    `cbor:"7,keyasint"`
	Sealed      []byte    `cbor:"8,keyasint"`
	Certificate []byte    `cbor:"9,keyasint,omitempty"`
}

func (e entry) aad() []byte {
	aad := make([]byte, 0, len(e.Alias)+2)
	aad = append(aad, e.Alias...)
	return append(aad, 0, byte(e.Kind))
}

type payload struct {
	KDF     KDFParams `cbor:"1,keyasint"`
	Salt    []byte    `cbor:"2,keyasint"`
	Entries []entry   `cbor:"3,keyasint"`
}

type fileBody struct {
	Payload []byte `cbor:"1,keyasint"`
	MAC     []byte `cbor:"2,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("store: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		MaxArrayElements: 1 << 16,
	}.DecMode()
	if err != nil {
		panic("store: CBOR decoder initialization failed: " + err.Error())
	}
}

// container is the decoded key store. It is not safe for concurrent use;
// Manager serialises access.
type container struct {
	kdf     KDFParams
	salt    []byte
	entries map[string]entry
	macKey  *secure.Key
	rand    io.Reader
}

func newContainer(password []byte, kdf KDFParams, rand io.Reader) (*container, error) {
	if err := kdf.Validate(); err != nil {
		return nil, err
	}
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand, salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	return &container{
		kdf:     kdf,
		salt:    salt,
		entries: make(map[string]entry),
		macKey:  secure.NewKey(kdf.derive(password, salt)),
		rand:    rand,
	}, nil
}

// decodeContainer parses and authenticates a container file. Every failure
// wraps ErrKeyStoreUnavailable.
func decodeContainer(data, password []byte, rand io.Reader) (*container, error) {
	if len(data) < len(fileMagic)+1 || string(data[:len(fileMagic)]) != fileMagic {
		return nil, fmt.Errorf("%w: not a key store file", ErrKeyStoreUnavailable)
	}
	if v := data[len(fileMagic)]; v != formatVersion {
		return nil, fmt.Errorf("%w: unsupported format version %d", ErrKeyStoreUnavailable, v)
	}

	var body fileBody
	if err := decMode.Unmarshal(data[len(fileMagic)+1:], &body); err != nil {
		return nil, fmt.Errorf("%w: decoding file: %v", ErrKeyStoreUnavailable, err)
	}
	var p payload
	if err := decMode.Unmarshal(body.Payload, &p); err != nil {
		return nil, fmt.Errorf("%w: decoding payload: %v", ErrKeyStoreUnavailable, err)
	}
	if err := p.KDF.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyStoreUnavailable, err)
	}
	if len(p.Salt) != saltSize {
		return nil, fmt.Errorf("%w: bad salt", ErrKeyStoreUnavailable)
	}

	macKey := secure.NewKey(p.KDF.derive(password, p.Salt))
	if !hmac.Equal(mac(macKey.Bytes(), body.Payload), body.MAC) {
		macKey.Destroy()
		return nil, fmt.Errorf("%w: integrity check failed, wrong password or corrupt file", ErrKeyStoreUnavailable)
	}

	c := &container{
		kdf:     p.KDF,
		salt:    p.Salt,
		entries: make(map[string]entry, len(p.Entries)),
		macKey:  macKey,
		rand:    rand,
	}
	for _, e := range p.Entries {
		c.entries[e.Alias] = e
	}
	return c, nil
}

func mac(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

func (c *container) encode() ([]byte, error) {
	p := payload{KDF: c.kdf, Salt: c.salt, Entries: make([]entry, 0, len(c.entries))}
	for _, alias := range c.aliases() {
		p.Entries = append(p.Entries, c.entries[alias])
	}
	raw, err := encMode.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	key := c.macKey.Bytes()
	if key == nil {
		return nil, errors.New("container has been destroyed")
	}
	body, err := encMode.Marshal(fileBody{Payload: raw, MAC: mac(key, raw)})
	if err != nil {
		return nil, fmt.Errorf("encoding file: %w", err)
	}

	var buf bytes.Buffer
	buf.Grow(len(fileMagic) + 1 + len(body))
	buf.WriteString(fileMagic)
	buf.WriteByte(formatVersion)
	buf.Write(body)
	return buf.Bytes(), nil
}

func (c *container) aliases() []string {
	out := make([]string, 0, len(c.entries))
	for alias := range c.entries {
		out = append(out, alias)
	}
	sort.Strings(out)
	return out
}

func (c *container) get(alias string) (entry, bool) {
	e, ok := c.entries[alias]
	return e, ok
}

// put stores e and returns what it replaced, for rollback.
func (c *container) put(e entry) (prior entry, existed bool) {
	prior, existed = c.entries[e.Alias]
	c.entries[e.Alias] = e
	return prior, existed
}

func (c *container) remove(alias string) (prior entry, existed bool) {
	prior, existed = c.entries[alias]
	delete(c.entries, alias)
	return prior, existed
}

func (c *container) restore(alias string, prior entry, existed bool) {
	if existed {
		c.entries[alias] = prior
		return
	}
	delete(c.entries, alias)
}

// seal encrypts material for a new entry under password.
func (c *container) seal(e entry, password, material []byte) (entry, error) {
	e.Salt = make([]byte, saltSize)
	if _, err := io.ReadFull(c.rand, e.Salt); err != nil {
		return entry{}, fmt.Errorf("generating salt: %w", err)
	}
	e.Nonce = make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(c.rand, e.Nonce); err != nil {
		return entry{}, fmt.Errorf("generating nonce: %w", err)
	}
	if e.Created == 0 {
		e.Created = time.Now().Unix()
	}

	key := c.kdf.derive(password, e.Salt)
	defer secure.Clear(key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return entry{}, fmt.Errorf("creating cipher: %w", err)
	}
	e.Sealed = aead.Seal(nil, e.Nonce, material, e.aad())
	return e, nil
}

// open decrypts an entry's material. The caller owns the result.
func (c *container) open(e entry, password []byte) ([]byte, error) {
	key := c.kdf.derive(password, e.Salt)
	defer secure.Clear(key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	if len(e.Nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: entry %s is corrupt", ErrKeyStoreUnavailable, e.Alias)
	}
	material, err := aead.Open(nil, e.Nonce, e.Sealed, e.aad())
	if err != nil {
		return nil, fmt.Errorf("%w for %s", ErrWrongPassword, e.Alias)
	}
	return material, nil
}

func (c *container) destroy() {
	c.macKey.Destroy()
}
