package store

import (
	"os"
	"sort"
	"sync"
)

// AccountRecord is one entry in the account registry. Login state itself is a
// credential file under the sessions dir; this record only carries UI-facing
// bookkeeping.
type AccountRecord struct {
	AccountName string `json:"account_name"`
	CreatedAt   string `json:"created_at"`
	LastLoginAt string `json:"last_login_at,omitempty"`
	LastError   string `json:"last_error,omitempty"`
}

type accountsFile struct {
	Accounts map[string]accountItem `json:"accounts"`
}

type accountItem struct {
	CreatedAt   string `json:"created_at"`
	LastLoginAt string `json:"last_login_at,omitempty"`
	LastError   string `json:"last_error,omitempty"`
}

// AccountsStore is the JSON-file account registry. Writes are serialized by
// an in-process mutex; the file is replaced atomically.
type AccountsStore struct {
	mu   sync.Mutex
	path string
}

func NewAccountsStore(path string) *AccountsStore {
	return &AccountsStore{path: path}
}

func (s *AccountsStore) load() accountsFile {
	var data accountsFile
	if err := readJSONFile(s.path, &data); err != nil && !os.IsNotExist(err) {
		// A corrupt registry is treated as empty; Ensure() rewrites it.
		data = accountsFile{}
	}
	if data.Accounts == nil {
		data.Accounts = map[string]accountItem{}
	}
	return data
}

func (s *AccountsStore) List() []AccountRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	data := s.load()
	out := make([]AccountRecord, 0, len(data.Accounts))
	for name, item := range data.Accounts {
		out = append(out, recordFromItem(name, item))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountName < out[j].AccountName })
	return out
}

func (s *AccountsStore) Get(accountName string) (AccountRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data := s.load()
	item, ok := data.Accounts[accountName]
	if !ok {
		return AccountRecord{}, false
	}
	return recordFromItem(accountName, item), true
}

// Ensure creates the account entry if absent and returns it.
func (s *AccountsStore) Ensure(accountName string) (AccountRecord, error) {
	accountName, err := ValidateName(accountName, "account")
	if err != nil {
		return AccountRecord{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data := s.load()
	item, ok := data.Accounts[accountName]
	if !ok {
		item = accountItem{CreatedAt: NowISO()}
		data.Accounts[accountName] = item
		if err := writeJSONFile(s.path, data); err != nil {
			return AccountRecord{}, err
		}
	}
	return recordFromItem(accountName, item), nil
}

func (s *AccountsStore) MarkLoginSuccess(accountName string) error {
	return s.mutate(accountName, func(item *accountItem) {
		item.LastLoginAt = NowISO()
		item.LastError = ""
	})
}

func (s *AccountsStore) MarkLogout(accountName string) error {
	return s.mutate(accountName, func(item *accountItem) {
		item.LastError = ""
	})
}

func (s *AccountsStore) MarkError(accountName, message string) error {
	return s.mutate(accountName, func(item *accountItem) {
		item.LastError = Truncate(message, ErrMessageLimit)
	})
}

func (s *AccountsStore) mutate(accountName string, fn func(*accountItem)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data := s.load()
	item, ok := data.Accounts[accountName]
	if !ok {
		item = accountItem{CreatedAt: NowISO()}
	}
	fn(&item)
	data.Accounts[accountName] = item
	return writeJSONFile(s.path, data)
}

func recordFromItem(name string, item accountItem) AccountRecord {
	created := item.CreatedAt
	if created == "" {
		created = NowISO()
	}
	return AccountRecord{
		AccountName: name,
		CreatedAt:   created,
		LastLoginAt: item.LastLoginAt,
		LastError:   item.LastError,
	}
}
