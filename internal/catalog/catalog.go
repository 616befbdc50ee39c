package catalog

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	sessionSuffix   = ".session"
	priceFile       = "price.txt"
	descriptionFile = "description.txt"
	imageFile       = "image.jpg"
	archiveFile     = "script.zip"
	statusFile      = "status.txt"
)

// ScriptStatus is the per-script sale state persisted next to the price
// record. A missing status record means the script is on sale.
type ScriptStatus string

const (
	ScriptOnSale  ScriptStatus = "on_sale"
	ScriptSold    ScriptStatus = "sold"
	ScriptInvalid ScriptStatus = "invalid"
)

// Telethon session files are SQLite databases
var sqliteHeader = []byte("SQLite format 3\x00")

// Catalog is the filesystem-backed goods store. Session items are files in
// one of three disjoint holding areas; which area a file sits in is the
// source of truth for its state. Script items are folders under scriptsDir
// holding a price record, optional description and image, and the archive.
type Catalog struct {
	sessionsDir string
	soldDir     string
	invalidDir  string
	scriptsDir  string
	logger      *zap.Logger
}

// New creates a catalog rooted at the configured holding areas, creating
// them if absent.
func New(sessionsDir, soldDir, invalidDir, scriptsDir string, logger *zap.Logger) (*Catalog, error) {
	for _, dir := range []string{sessionsDir, soldDir, invalidDir, scriptsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create catalog dir %s: %w", dir, err)
		}
	}
	return &Catalog{
		sessionsDir: sessionsDir,
		soldDir:     soldDir,
		invalidDir:  invalidDir,
		scriptsDir:  scriptsDir,
		logger:      logger,
	}, nil
}

// Sessions returns the session files currently in the available area,
// in stable (sorted) scan order.
func (c *Catalog) Sessions() ([]string, error) {
	entries, err := os.ReadDir(c.sessionsDir)
	if err != nil {
		return nil, fmt.Errorf("scan sessions dir: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), sessionSuffix) {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)
	return files, nil
}

// Scripts returns the script folder names, in stable (sorted) scan order.
func (c *Catalog) Scripts() ([]string, error) {
	entries, err := os.ReadDir(c.scriptsDir)
	if err != nil {
		return nil, fmt.Errorf("scan scripts dir: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

// SessionPath returns the path of an available session file
func (c *Catalog) SessionPath(file string) string {
	return filepath.Join(c.sessionsDir, file)
}

// SoldSessionPath returns where a session file lands after markSold
func (c *Catalog) SoldSessionPath(file string) string {
	return filepath.Join(c.soldDir, file)
}

// MoveSessionToSold moves a session file from the available area to the
// sold area. The rename is the atomic commit point of the sale.
func (c *Catalog) MoveSessionToSold(file string) error {
	return c.moveSession(file, c.soldDir)
}

// MoveSessionToInvalid permanently removes a session from sale
func (c *Catalog) MoveSessionToInvalid(file string) error {
	return c.moveSession(file, c.invalidDir)
}

func (c *Catalog) moveSession(file, destDir string) error {
	src := filepath.Join(c.sessionsDir, file)
	dst := filepath.Join(destDir, file)
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("move session %s: %w", file, err)
	}
	c.logger.Info("Session file moved",
		zap.String("file", file),
		zap.String("dest", destDir),
	)
	return nil
}

// ValidateSession checks that a session file in the available area is
// structurally sound: present, non-empty, and carrying the SQLite header
// Telethon writes. Deeper liveness checks belong to the operator.
func (c *Catalog) ValidateSession(file string) error {
	path := filepath.Join(c.sessionsDir, file)
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open session %s: %w", file, err)
	}
	defer f.Close()

	header := make([]byte, len(sqliteHeader))
	if _, err := io.ReadFull(f, header); err != nil {
		return fmt.Errorf("session %s: truncated file", file)
	}
	if !bytes.Equal(header, sqliteHeader) {
		return fmt.Errorf("session %s: not a session database", file)
	}
	return nil
}

// ScriptPrice reads the script's price record
func (c *Catalog) ScriptPrice(name string) (decimal.Decimal, error) {
	raw, err := os.ReadFile(filepath.Join(c.scriptsDir, name, priceFile))
	if err != nil {
		return decimal.Zero, fmt.Errorf("read price for script %s: %w", name, err)
	}
	price, err := decimal.NewFromString(strings.TrimSpace(string(raw)))
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse price for script %s: %w", name, err)
	}
	return price, nil
}

// SetScriptPrice writes the script's price record. Takes effect for
// subsequent listings only; issued invoices keep their amount.
func (c *Catalog) SetScriptPrice(name string, price decimal.Decimal) error {
	dir := filepath.Join(c.scriptsDir, name)
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("script %s: %w", name, err)
	}
	if err := os.WriteFile(filepath.Join(dir, priceFile), []byte(price.String()), 0o644); err != nil {
		return fmt.Errorf("write price for script %s: %w", name, err)
	}
	c.logger.Info("Script price updated",
		zap.String("script", name),
		zap.String("price", price.String()),
	)
	return nil
}

// ScriptDescription returns the optional description text
func (c *Catalog) ScriptDescription(name string) (string, bool) {
	raw, err := os.ReadFile(filepath.Join(c.scriptsDir, name, descriptionFile))
	if err != nil {
		return "", false
	}
	return strings.TrimSpace(string(raw)), true
}

// ScriptImage returns the optional preview image path
func (c *Catalog) ScriptImage(name string) (string, bool) {
	path := filepath.Join(c.scriptsDir, name, imageFile)
	if _, err := os.Stat(path); err != nil {
		return "", false
	}
	return path, true
}

// ScriptStatus reads the script's sale state record
func (c *Catalog) ScriptStatus(name string) (ScriptStatus, error) {
	raw, err := os.ReadFile(filepath.Join(c.scriptsDir, name, statusFile))
	if os.IsNotExist(err) {
		return ScriptOnSale, nil
	}
	if err != nil {
		return ScriptOnSale, fmt.Errorf("read status for script %s: %w", name, err)
	}
	switch status := ScriptStatus(strings.TrimSpace(string(raw))); status {
	case ScriptSold, ScriptInvalid:
		return status, nil
	default:
		return ScriptOnSale, nil
	}
}

// SetScriptStatus writes the script's sale state record
func (c *Catalog) SetScriptStatus(name string, status ScriptStatus) error {
	dir := filepath.Join(c.scriptsDir, name)
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("script %s: %w", name, err)
	}
	if err := os.WriteFile(filepath.Join(dir, statusFile), []byte(status), 0o644); err != nil {
		return fmt.Errorf("write status for script %s: %w", name, err)
	}
	c.logger.Info("Script status updated",
		zap.String("script", name),
		zap.String("status", string(status)),
	)
	return nil
}

// ScriptArchive returns the deliverable archive path
func (c *Catalog) ScriptArchive(name string) (string, error) {
	path := filepath.Join(c.scriptsDir, name, archiveFile)
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("script archive for %s: %w", name, err)
	}
	return path, nil
}
