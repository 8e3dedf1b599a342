package registry

import (
	"encoding/json"
	"fmt"

	"github.com/AdguardTeam/golibs/errors"
	"go.etcd.io/bbolt"
)

// bboltBucketHosts is the name of the bucket storing host records in the
// bbolt database.
const bboltBucketHosts = "hosts-1"

// hostDB persists host records in a bbolt database, one record per key,
// keyed by the canonical hostname.
type hostDB struct {
	db *bbolt.DB
}

// openHostDB opens or creates the database file at path.
func openHostDB(path string) (d *hostDB, err error) {
	db, err := bbolt.Open(path, 0o644, nil)
	if err != nil {
		// Don't wrap the error since it's informative enough as is.
		return nil, err
	}

	return &hostDB{db: db}, nil
}

// all returns every stored host record.  Records that cannot be decoded are
// skipped; the caller validates the rest.
func (d *hostDB) all() (recs []*HostRecord, err error) {
	err = d.db.View(func(tx *bbolt.Tx) (viewErr error) {
		bkt := tx.Bucket([]byte(bboltBucketHosts))
		if bkt == nil {
			return nil
		}

		return bkt.ForEach(func(k, v []byte) (feErr error) {
			rec := &HostRecord{}
			decErr := json.Unmarshal(v, rec)
			if decErr != nil {
				// Non-critical, skip the record and keep iterating.
				return nil
			}

			recs = append(recs, rec)

			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("iterating over host records: %w", err)
	}

	return recs, nil
}

// put stores rec, overwriting any previous value for its hostname.
func (d *hostDB) put(rec *HostRecord) (err error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}

	tx, err := d.db.Begin(true)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}

	needRollback := true
	defer func() {
		if needRollback {
			err = errors.WithDeferred(err, tx.Rollback())
		}
	}()

	bkt, err := tx.CreateBucketIfNotExists([]byte(bboltBucketHosts))
	if err != nil {
		return fmt.Errorf("creating bucket: %w", err)
	}

	err = bkt.Put([]byte(rec.Hostname), data)
	if err != nil {
		return fmt.Errorf("putting data: %w", err)
	}

	needRollback = false
	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

// close releases the database resources.
func (d *hostDB) close() (err error) {
	err = d.db.Close()
	if err != nil {
		return fmt.Errorf("closing db: %w", err)
	}

	return nil
}
