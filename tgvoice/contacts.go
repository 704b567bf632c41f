package tgvoice

import (
	"strings"
	"sync"
)

// Contact is a Telegram user known to the session.
type Contact struct {
	ID        int64
	Username  string
	Phone     string
	FirstName string
	LastName  string
}

// Label is the name a call shows for the contact.
func (c Contact) Label() string {
	if c.Username != "" {
		return c.Username
	}
	name := strings.TrimSpace(c.FirstName + " " + c.LastName)
	if name != "" {
		return name
	}
	return c.Phone
}

// Directory maps usernames and phone numbers to Telegram users.
type Directory struct {
	mu         sync.RWMutex
	byID       map[int64]Contact
	byUsername map[string]int64
	byPhone    map[string]int64
}

// NewDirectory creates an empty Directory.
func NewDirectory() *Directory {
	return &Directory{
		byID:       make(map[int64]Contact),
		byUsername: make(map[string]int64),
		byPhone:    make(map[string]int64),
	}
}

// Set replaces the directory content.
func (d *Directory) Set(contacts []Contact) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byID = make(map[int64]Contact, len(contacts))
	d.byUsername = make(map[string]int64, len(contacts))
	d.byPhone = make(map[string]int64, len(contacts))
	for _, c := range contacts {
		d.addLocked(c)
	}
}

// Update adds or replaces a single contact.
func (d *Directory) Update(c Contact) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if old, ok := d.byID[c.ID]; ok {
		delete(d.byUsername, strings.ToLower(old.Username))
		delete(d.byPhone, normalizePhone(old.Phone))
	}
	d.addLocked(c)
}

// addLocked stores c; the write lock must be held.
func (d *Directory) addLocked(c Contact) {
	if c.ID == 0 {
		return
	}
	d.byID[c.ID] = c
	if c.Username != "" {
		d.byUsername[strings.ToLower(c.Username)] = c.ID
	}
	if p := normalizePhone(c.Phone); p != "" {
		d.byPhone[p] = c.ID
	}
}

// Resolve finds the contact for a username (with or without @) or a phone
// number.
func (d *Directory) Resolve(ext string) (Contact, bool) {
	ext = strings.TrimPrefix(strings.TrimSpace(ext), "@")
	d.mu.RLock()
	defer d.mu.RUnlock()
	if id, ok := d.byUsername[strings.ToLower(ext)]; ok {
		return d.byID[id], true
	}
	if id, ok := d.byPhone[normalizePhone(ext)]; ok {
		return d.byID[id], true
	}
	return Contact{}, false
}

// Lookup returns the contact with the given user id.
func (d *Directory) Lookup(id int64) (Contact, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.byID[id]
	return c, ok
}

// Len returns the number of known contacts.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byID)
}

func normalizePhone(p string) string {
	var b strings.Builder
	for _, r := range p {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
