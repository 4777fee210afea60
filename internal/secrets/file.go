package secrets

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/crypto/scrypt"
)

// masterKeyEnv overrides the per-install key file.
const masterKeyEnv = "MINICLAW_SECRETS_MASTER_KEY"

const (
	scryptN       = 1 << 14
	scryptR       = 8
	scryptP       = 1
	derivedKeyLen = 32
)

// envelope is the on-disk format of the encrypted secret file.
type envelope struct {
	V          int    `json:"v"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
	Tag        string `json:"tag"`
}

// fileStore keeps all secrets in one encrypted JSON blob. The plaintext is a
// map of namespace -> key -> value.
type fileStore struct {
	path      string
	masterKey []byte

	mu sync.Mutex
}

func newFileStore(path, keyFilePath string) (*fileStore, error) {
	master, err := loadMasterKey(keyFilePath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create secrets dir: %w", err)
	}
	return &fileStore{path: path, masterKey: master}, nil
}

// loadMasterKey resolves the master key: env var first, then the key file,
// generating a fresh key file (0600) on first use.
func loadMasterKey(keyFilePath string) ([]byte, error) {
	if v := os.Getenv(masterKeyEnv); v != "" {
		return []byte(v), nil
	}
	data, err := os.ReadFile(keyFilePath)
	if err == nil {
		return []byte(strings.TrimSpace(string(data))), nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read secrets key file: %w", err)
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate master key: %w", err)
	}
	key := hex.EncodeToString(raw)
	if err := os.MkdirAll(filepath.Dir(keyFilePath), 0o700); err != nil {
		return nil, fmt.Errorf("create secrets key dir: %w", err)
	}
	if err := os.WriteFile(keyFilePath, []byte(key+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("write secrets key file: %w", err)
	}
	return []byte(key), nil
}

// keystream XORs data with HMAC-SHA256(key, nonce || counter) blocks.
func applyKeystream(key, nonce, data []byte) []byte {
	out := make([]byte, len(data))
	var counter uint64
	offset := 0
	for offset < len(data) {
		mac := hmac.New(sha256.New, key)
		mac.Write(nonce)
		var ctr [8]byte
		binary.BigEndian.PutUint64(ctr[:], counter)
		mac.Write(ctr[:])
		block := mac.Sum(nil)

		n := len(block)
		if remaining := len(data) - offset; remaining < n {
			n = remaining
		}
		for i := 0; i < n; i++ {
			out[offset+i] = data[offset+i] ^ block[i]
		}
		offset += n
		counter++
	}
	return out
}

func deriveKey(master, salt []byte) ([]byte, error) {
	return scrypt.Key(master, salt, scryptN, scryptR, scryptP, derivedKeyLen)
}

func (f *fileStore) load() (map[string]map[string]string, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]map[string]string{}, nil
		}
		return nil, fmt.Errorf("read secrets file: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parse secrets file: %w", err)
	}
	if env.V != 1 {
		return nil, fmt.Errorf("unsupported secrets file version %d", env.V)
	}

	salt, err := base64.StdEncoding.DecodeString(env.Salt)
	if err != nil {
		return nil, errors.New("secrets file: bad salt")
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return nil, errors.New("secrets file: bad nonce")
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, errors.New("secrets file: bad ciphertext")
	}
	tag, err := base64.StdEncoding.DecodeString(env.Tag)
	if err != nil {
		return nil, errors.New("secrets file: bad tag")
	}

	key, err := deriveKey(f.masterKey, salt)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}

	mac := hmac.New(sha256.New, key)
	mac.Write(nonce)
	mac.Write(ciphertext)
	if !hmac.Equal(mac.Sum(nil), tag) {
		return nil, errors.New("secrets file: authentication failed (wrong key or tampered file)")
	}

	plaintext := applyKeystream(key, nonce, ciphertext)
	var secrets map[string]map[string]string
	if err := json.Unmarshal(plaintext, &secrets); err != nil {
		return nil, fmt.Errorf("secrets file: bad plaintext: %w", err)
	}
	if secrets == nil {
		secrets = map[string]map[string]string{}
	}
	return secrets, nil
}

func (f *fileStore) save(secrets map[string]map[string]string) error {
	plaintext, err := json.Marshal(secrets)
	if err != nil {
		return fmt.Errorf("marshal secrets: %w", err)
	}

	salt := make([]byte, 16)
	nonce := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}

	key, err := deriveKey(f.masterKey, salt)
	if err != nil {
		return fmt.Errorf("derive key: %w", err)
	}

	ciphertext := applyKeystream(key, nonce, plaintext)
	mac := hmac.New(sha256.New, key)
	mac.Write(nonce)
	mac.Write(ciphertext)

	env := envelope{
		V:          1,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		Tag:        base64.StdEncoding.EncodeToString(mac.Sum(nil)),
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal secrets envelope: %w", err)
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write secrets file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write secrets file: %w", err)
	}
	return nil
}

func (f *fileStore) Get(namespace, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	secrets, err := f.load()
	if err != nil {
		return "", err
	}
	ns, ok := secrets[namespace]
	if !ok {
		return "", ErrNotFound
	}
	v, ok := ns[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (f *fileStore) Set(namespace, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	secrets, err := f.load()
	if err != nil {
		return err
	}
	ns, ok := secrets[namespace]
	if !ok {
		ns = map[string]string{}
		secrets[namespace] = ns
	}
	ns[key] = value
	return f.save(secrets)
}

func (f *fileStore) Delete(namespace, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	secrets, err := f.load()
	if err != nil {
		return err
	}
	ns, ok := secrets[namespace]
	if !ok {
		return nil
	}
	delete(ns, key)
	if len(ns) == 0 {
		delete(secrets, namespace)
	}
	return f.save(secrets)
}

func (f *fileStore) List(namespace string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	secrets, err := f.load()
	if err != nil {
		return nil, err
	}
	var keys []string
	for k := range secrets[namespace] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
