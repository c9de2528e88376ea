// Package usbid resolves vendor and product IDs to names using the usb.ids
// database distributed with most Linux systems.
//
// A [Database] is built once with [Load] or [Parse] and is then safe for
// concurrent lookups:
//
//	db, err := usbid.Load()
//	if err == nil {
//	    vendor, product := db.Name(0x1d6b, 0x0003)
//	}
package usbid

import (
	"bufio"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"sync"
)

// DefaultPaths lists the usual locations of usb.ids, searched in order.
var DefaultPaths = []string{
	"/usr/share/hwdata/usb.ids",
	"/var/lib/usbutils/usb.ids",
	"/usr/share/misc/usb.ids",
}

// Database maps vendor and product IDs to names.
type Database struct {
	mu       sync.RWMutex
	vendors  map[uint16]string
	products map[uint32]string // vid<<16 | pid
}

// New returns an empty database.
func New() *Database {
	return &Database{
		vendors:  make(map[uint16]string),
		products: make(map[uint32]string),
	}
}

// Load parses the first of paths that can be opened, or the first of
// [DefaultPaths] when paths is empty. If none can be opened the returned
// error wraps [fs.ErrNotExist].
func Load(paths ...string) (*Database, error) {
	if len(paths) == 0 {
		paths = DefaultPaths
	}
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			continue
		}
		db, err := Parse(f)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		return db, nil
	}
	return nil, fmt.Errorf("usb.ids not found in %s: %w", strings.Join(paths, ", "), fs.ErrNotExist)
}

// Parse reads a database in usb.ids format from r.
func Parse(r io.Reader) (*Database, error) {
	db := New()
	if err := db.Merge(r); err != nil {
		return nil, err
	}
	return db, nil
}

// Merge adds the entries read from r, replacing names already present.
//
// Vendor lines are "vvvv  name" and the product lines under them are
// "\tpppp  name". Any other top-level section (classes, languages, HID
// usages) ends the current vendor, so its indented lines are ignored.
func (db *Database) Merge(r io.Reader) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	var (
		vid    uint16
		vendor bool
	)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if line == "" || line[0] == '#' {
			continue
		}
		if line[0] == '\t' {
			if !vendor {
				continue
			}
			if pid, name, ok := entry(line[1:]); ok {
				db.products[uint32(vid)<<16|uint32(pid)] = name
			}
			continue
		}
		id, name, ok := entry(line)
		vendor = ok
		if ok {
			vid = id
			db.vendors[vid] = name
		}
	}
	return sc.Err()
}

// entry splits "xxxx  name" into its hex ID and name.
func entry(s string) (uint16, string, bool) {
	if len(s) < 6 || s[4] != ' ' {
		return 0, "", false
	}
	id, err := strconv.ParseUint(s[:4], 16, 16)
	if err != nil {
		return 0, "", false
	}
	name := strings.TrimLeft(s[5:], " ")
	if name == "" {
		return 0, "", false
	}
	return uint16(id), name, true
}

// Vendor returns the name of vid, or "" if it is unknown.
func (db *Database) Vendor(vid uint16) string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.vendors[vid]
}

// Product returns the name of pid under vid, or "" if it is unknown.
func (db *Database) Product(vid, pid uint16) string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.products[uint32(vid)<<16|uint32(pid)]
}

// Name returns both names for a device.
func (db *Database) Name(vid, pid uint16) (vendor, product string) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.vendors[vid], db.products[uint32(vid)<<16|uint32(pid)]
}

// Len returns the number of vendors and products known.
func (db *Database) Len() (vendors, products int) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.vendors), len(db.products)
}
