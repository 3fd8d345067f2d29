package container

import "time"

type Entry interface {
	// Key returns the key associated with the entry
	Key() string

	// Value returns the value associated with the entry
	Value() []byte

	// LastUpdated returns the timestamp when the entry was last updated
	LastUpdated() time.Time

	// CreationTime returns the timestamp when the entry was first created
	CreationTime() time.Time

	// TTL returns the remaining time-to-live duration for the entry, -1 if it never expires
	TTL() time.Duration

	// ExpiryTime returns the expiry time for the entry, zero if it never expires
	ExpiryTime() time.Time
}

var _ Entry = (*Item)(nil)

type Item struct {
	key          string
	value        []byte
	lastUpdated  time.Time
	creationTime time.Time
	expiryTime   time.Time
}

func (i Item) Key() string {
	return i.key
}

func (i Item) Value() []byte {
	return i.value
}

func (i Item) LastUpdated() time.Time {
	return i.lastUpdated
}

func (i Item) CreationTime() time.Time {
	return i.creationTime
}

func (i Item) TTL() time.Duration {
	if i.expiryTime.IsZero() {
		return -1
	}

	remaining := time.Until(i.expiryTime)
	if remaining < 0 {
		return 0
	}

	return remaining
}

func (i Item) ExpiryTime() time.Time {
	return i.expiryTime
}

func (i Item) expired(now time.Time) bool {
	return !i.expiryTime.IsZero() && !now.Before(i.expiryTime)
}

// Record is the serializable form of an entry used by snapshots
type Record struct {
	Key          string    `json:"key"`
	Value        []byte    `json:"value,omitempty"`
	CreationTime time.Time `json:"creation_time"`
	LastUpdated  time.Time `json:"last_updated"`
	Expiry       time.Time `json:"expiry,omitempty"`
}

func recordOf(i Item) Record {
	return Record{
		Key:          i.key,
		Value:        i.value,
		CreationTime: i.creationTime,
		LastUpdated:  i.lastUpdated,
		Expiry:       i.expiryTime,
	}
}

func (r Record) item() *Item {
	return &Item{
		key:          r.Key,
		value:        r.Value,
		lastUpdated:  r.LastUpdated,
		creationTime: r.CreationTime,
		expiryTime:   r.Expiry,
	}
}
