package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/paulmach/orb"

	"github.com/lox/broconnector/internal/registry"
)

// Fetcher returns the Registry XML of one object.
type Fetcher interface {
	FetchObject(ctx context.Context, kind, broID string, fullHistory bool) ([]byte, error)
}

// Catalog finds the ids to import. The public client implements it.
type Catalog interface {
	ListBroIDs(ctx context.Context, kind, kvk string) ([]string, error)
	QueryBBox(ctx context.Context, kind string, b orb.Bound) ([]registry.Feature, error)
}

// Lister is a Fetcher that can enumerate what it holds without a catalog.
type Lister interface {
	List(ctx context.Context, kind string) ([]string, error)
}

// idFromName returns the BRO id of an exported file like GMW000000012345.xml.
func idFromName(name, kind string) (string, bool) {
	base := strings.TrimSuffix(path.Base(name), filepath.Ext(name))
	if !strings.EqualFold(filepath.Ext(name), ".xml") {
		return "", false
	}
	if !strings.HasPrefix(strings.ToUpper(base), strings.ToUpper(kind)) {
		return "", false
	}
	return strings.ToUpper(base), true
}

// DirSource reads exported XML files named <broId>.xml from a directory.
type DirSource struct {
	Dir string
}

func (d DirSource) FetchObject(_ context.Context, kind, broID string, _ bool) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(d.Dir, broID+".xml"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("fetch %s %s: %w", kind, broID, registry.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch %s %s: %w", kind, broID, err)
	}
	return data, nil
}

func (d DirSource) List(_ context.Context, kind string) ([]string, error) {
	entries, err := os.ReadDir(d.Dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", d.Dir, err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if id, ok := idFromName(e.Name(), kind); ok {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

// FTPSource reads exported XML files from an FTP drop. Every call opens its
// own connection so fetches can run concurrently.
type FTPSource struct {
	Addr     string
	User     string
	Password string
	Dir      string
	Timeout  time.Duration
}

func (f FTPSource) dial(ctx context.Context) (*ftp.ServerConn, error) {
	timeout := f.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	conn, err := ftp.Dial(f.Addr, ftp.DialWithTimeout(timeout), ftp.DialWithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("ftp dial: %w", err)
	}
	user, pass := f.User, f.Password
	if user == "" {
		user, pass = "anonymous", "anonymous"
	}
	if err := conn.Login(user, pass); err != nil {
		conn.Quit()
		return nil, fmt.Errorf("ftp login: %w", err)
	}
	return conn, nil
}

func (f FTPSource) FetchObject(ctx context.Context, kind, broID string, _ bool) ([]byte, error) {
	conn, err := f.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Quit()

	resp, err := conn.Retr(path.Join(f.Dir, broID+".xml"))
	if err != nil {
		return nil, fmt.Errorf("ftp retr %s %s: %w", kind, broID, err)
	}
	defer resp.Close()

	body, err := io.ReadAll(resp)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

func (f FTPSource) List(ctx context.Context, kind string) ([]string, error) {
	conn, err := f.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Quit()

	dir := f.Dir
	if dir == "" {
		dir = "."
	}
	names, err := conn.NameList(dir)
	if err != nil {
		return nil, fmt.Errorf("ftp list %s: %w", dir, err)
	}
	var ids []string
	for _, n := range names {
		if id, ok := idFromName(n, kind); ok {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}
