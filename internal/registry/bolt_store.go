package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"forgeauth/pkg/redact"
)

const (
	// boltDirPerm is the permission mode for the registry directory.
	boltDirPerm = fs.FileMode(0o700)

	// boltFilePerm is the permission mode for the registry database file.
	// The file holds client secrets.
	boltFilePerm = fs.FileMode(0o600)

	// boltOpenTimeout is the maximum time to wait for the bolt database lock.
	boltOpenTimeout = 5 * time.Second
)

var (
	applicationsBucket = []byte("applications")
	clientIDsBucket    = []byte("client_ids")
)

// storedApplication is the on-disk form. The secret is kept in plain form
// here because Application.ClientSecret refuses to serialize itself.
type storedApplication struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Description  string       `json:"description,omitempty"`
	ClientID     string       `json:"client_id"`
	ClientSecret string       `json:"client_secret"`
	RedirectURI  string       `json:"redirect_uri"`
	BaseURL      string       `json:"base_url"`
	InstanceType InstanceType `json:"instance_type"`
	Scopes       []string     `json:"scopes"`
	IsActive     bool         `json:"is_active"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

func toStored(app *Application) storedApplication {
	return storedApplication{
		ID:           app.ID,
		Name:         app.Name,
		Description:  app.Description,
		ClientID:     app.ClientID,
		ClientSecret: app.ClientSecret.Value(),
		RedirectURI:  app.RedirectURI,
		BaseURL:      app.BaseURL,
		InstanceType: app.InstanceType,
		Scopes:       app.Scopes,
		IsActive:     app.IsActive,
		CreatedAt:    app.CreatedAt,
		UpdatedAt:    app.UpdatedAt,
	}
}

func (s storedApplication) toApplication() *Application {
	return &Application{
		ID:           s.ID,
		Name:         s.Name,
		Description:  s.Description,
		ClientID:     s.ClientID,
		ClientSecret: redact.New(s.ClientSecret),
		RedirectURI:  s.RedirectURI,
		BaseURL:      s.BaseURL,
		InstanceType: s.InstanceType,
		Scopes:       s.Scopes,
		IsActive:     s.IsActive,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
	}
}

// BoltStore persists applications in a bbolt database. Applications are
// keyed by ID; a secondary bucket maps client IDs to application IDs.
type BoltStore struct {
	db *bolt.DB
}

var _ Store = (*BoltStore)(nil)

// OpenBoltStore opens the registry database at path, creating it if needed.
func OpenBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), boltDirPerm); err != nil {
		return nil, fmt.Errorf("creating registry directory: %w", err)
	}

	db, err := bolt.Open(path, boltFilePerm, &bolt.Options{Timeout: boltOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening registry db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(applicationsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(clientIDsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing registry db: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Create(_ context.Context, app *Application) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		ids := tx.Bucket(clientIDsBucket)
		if ids.Get([]byte(app.ClientID)) != nil {
			return ErrDuplicateClientID
		}

		data, err := json.Marshal(toStored(app))
		if err != nil {
			return fmt.Errorf("encoding application: %w", err)
		}
		if err := tx.Bucket(applicationsBucket).Put([]byte(app.ID), data); err != nil {
			return err
		}
		return ids.Put([]byte(app.ClientID), []byte(app.ID))
	})
}

func (s *BoltStore) Get(_ context.Context, id string) (*Application, error) {
	var app *Application
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		app, err = getApplication(tx, id)
		return err
	})
	return app, err
}

func (s *BoltStore) FindByClientID(_ context.Context, clientID string) (*Application, error) {
	var app *Application
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(clientIDsBucket).Get([]byte(clientID))
		if id == nil {
			return ErrNotFound
		}
		var err error
		app, err = getApplication(tx, string(id))
		return err
	})
	return app, err
}

// Update runs mutate inside a single write transaction, so concurrent
// updates of the same application are serialized by bbolt.
func (s *BoltStore) Update(_ context.Context, id string, mutate func(*Application) error) (*Application, error) {
	var updated *Application
	err := s.db.Update(func(tx *bolt.Tx) error {
		app, err := getApplication(tx, id)
		if err != nil {
			return err
		}
		if err := mutate(app); err != nil {
			return err
		}

		data, err := json.Marshal(toStored(app))
		if err != nil {
			return fmt.Errorf("encoding application: %w", err)
		}
		if err := tx.Bucket(applicationsBucket).Put([]byte(id), data); err != nil {
			return err
		}
		updated = app
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *BoltStore) List(_ context.Context) ([]*Application, error) {
	var apps []*Application
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(applicationsBucket).ForEach(func(_, v []byte) error {
			var stored storedApplication
			if err := json.Unmarshal(v, &stored); err != nil {
				return fmt.Errorf("decoding application: %w", err)
			}
			apps = append(apps, stored.toApplication())
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortApplications(apps)
	return apps, nil
}

func getApplication(tx *bolt.Tx, id string) (*Application, error) {
	v := tx.Bucket(applicationsBucket).Get([]byte(id))
	if v == nil {
		return nil, ErrNotFound
	}
	var stored storedApplication
	if err := json.Unmarshal(v, &stored); err != nil {
		return nil, fmt.Errorf("decoding application: %w", err)
	}
	return stored.toApplication(), nil
}
