// SPDX-FileCopyrightText: Copyright (C) 2026 The rtps authors
// SPDX-License-Identifier: AGPL-3.0-only

package permissions

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
)

const (
	grantsBucket   = "grants"
	metadataBucket = "metadata"
	versionKey     = "version"
	dbVersion      = 0
)

// ErrNoSuchSubject is returned when a subject has no grant.
var ErrNoSuchSubject = errors.New("permissions: no such subject")

// Grant is what a subject is allowed to do.
type Grant struct {
	Domains              []uint32 `cbor:"domains"`
	RTPSProtection       bool     `cbor:"rtps_protection"`
	DiscoveryProtection  bool     `cbor:"discovery_protection"`
	LivelinessProtection bool     `cbor:"liveliness_protection"`
}

// AllowsDomain reports whether the grant covers domainID. An empty domain
// list covers every domain.
func (g *Grant) AllowsDomain(domainID uint32) bool {
	return len(g.Domains) == 0 || slices.Contains(g.Domains, domainID)
}

// DBOption configures a DB.
type DBOption func(*DB)

// WithTrustOnFirstUse grants unknown subjects the default grant the first
// time they are seen.
func WithTrustOnFirstUse(defaultGrant Grant) DBOption {
	return func(d *DB) {
		d.trustOnFirstUse = true
		d.defaultGrant = defaultGrant
	}
}

// DB is a bbolt backed permissions database keyed by subject.
type DB struct {
	sync.RWMutex

	db    *bolt.DB
	cache map[string]Grant

	trustOnFirstUse bool
	defaultGrant    Grant
}

// Open creates or loads the database in file f.
func Open(f string, opts ...DBOption) (*DB, error) {
	d := &DB{cache: make(map[string]Grant)}
	for _, opt := range opts {
		opt(d)
	}

	var err error
	if d.db, err = bolt.Open(f, 0600, nil); err != nil {
		return nil, err
	}

	if err = d.db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		grants, err := tx.CreateBucketIfNotExists([]byte(grantsBucket))
		if err != nil {
			return err
		}

		if b := meta.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != dbVersion {
				return fmt.Errorf("permissions: incompatible version: %d", uint(b[0]))
			}
			return grants.ForEach(func(k, v []byte) error {
				var g Grant
				if err := cbor.Unmarshal(v, &g); err != nil {
					return fmt.Errorf("permissions: corrupt grant for %s: %w", k, err)
				}
				d.cache[string(k)] = g
				return nil
			})
		}
		return meta.Put([]byte(versionKey), []byte{dbVersion})
	}); err != nil {
		d.db.Close()
		return nil, err
	}
	return d, nil
}

// Put stores the grant for subject, replacing any previous one.
func (d *DB) Put(subject string, g Grant) error {
	raw, err := cbor.Marshal(&g)
	if err != nil {
		return err
	}
	if err := d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(grantsBucket)).Put([]byte(subject), raw)
	}); err != nil {
		return err
	}

	d.Lock()
	defer d.Unlock()
	d.cache[subject] = g
	return nil
}

// Lookup returns the grant of subject, creating the default grant under
// trust on first use.
func (d *DB) Lookup(subject string) (Grant, error) {
	d.RLock()
	g, ok := d.cache[subject]
	d.RUnlock()
	if ok {
		return g, nil
	}
	if !d.trustOnFirstUse {
		return Grant{}, ErrNoSuchSubject
	}
	if err := d.Put(subject, d.defaultGrant); err != nil {
		return Grant{}, err
	}
	return d.defaultGrant, nil
}

// Remove deletes the grant of subject.
func (d *DB) Remove(subject string) error {
	if err := d.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(grantsBucket))
		if bkt.Get([]byte(subject)) == nil {
			return ErrNoSuchSubject
		}
		return bkt.Delete([]byte(subject))
	}); err != nil {
		return err
	}

	d.Lock()
	defer d.Unlock()
	delete(d.cache, subject)
	return nil
}

// Subjects returns every subject with a grant.
func (d *DB) Subjects() []string {
	d.RLock()
	defer d.RUnlock()
	out := make([]string, 0, len(d.cache))
	for s := range d.cache {
		out = append(out, s)
	}
	slices.Sort(out)
	return out
}

// Close flushes and closes the database.
func (d *DB) Close() error {
	if err := d.db.Sync(); err != nil {
		d.db.Close()
		return err
	}
	return d.db.Close()
}
