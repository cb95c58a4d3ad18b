// Package archive saves the output matrix of every started protocol run to
// disk as FITS.
package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi"

	"github.com/lampllab/optotarget/matrix"
)

// ErrNoRoot is returned when archiving without a root folder
var ErrNoRoot = errors.New("archive root not set")

// Recorder writes matrices with incrementing filenames in yyyy-mm-dd
// subfolders of Root, e.g. Root/2024-03-01/run000001.fits
type Recorder struct {
	mu sync.Mutex

	// Root is the root path
	Root string

	// Prefix is the prefix for the filenames
	Prefix string

	// Enabled turns archiving on and off without losing the paths
	Enabled bool

	// Now replaces time.Now when not nil
	Now func() time.Time
}

// New returns an enabled Recorder if root is not empty
func New(root, prefix string) *Recorder {
	return &Recorder{Root: root, Prefix: prefix, Enabled: root != ""}
}

// folder is the dated subfolder for the current day
func (r *Recorder) folder() string {
	now := time.Now()
	if r.Now != nil {
		now = r.Now()
	}
	y, m, d := now.Year(), now.Month(), now.Day()
	return filepath.Join(r.Root, fmt.Sprintf("%04d-%02d-%02d", y, m, d))
}

// next scans fldr and returns one more than the largest counter with our
// prefix
func (r *Recorder) next(fldr string) (int, error) {
	files, err := os.ReadDir(fldr)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, file := range files {
		// skip directories, non-fits, and wrong prefix
		if file.IsDir() {
			continue
		}
		fn := file.Name()
		if !strings.HasSuffix(fn, ".fits") || !strings.HasPrefix(fn, r.Prefix) {
			continue
		}
		bit := strings.TrimSuffix(strings.TrimPrefix(fn, r.Prefix), ".fits")
		n, err := strconv.Atoi(bit)
		if err != nil {
			continue
		}
		if count < n {
			count = n
		}
	}
	return count + 1, nil
}

// Archive writes out and its timing to the next file and returns the path.
// It returns "" and no error when the recorder is disabled.
func (r *Recorder) Archive(out *matrix.Output, t matrix.Timing) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.Enabled {
		return "", nil
	}
	if r.Root == "" {
		return "", ErrNoRoot
	}
	fldr := r.folder()
	if err := os.MkdirAll(fldr, 0777); err != nil {
		return "", err
	}
	n, err := r.next(fldr)
	if err != nil {
		return "", err
	}
	fn := filepath.Join(fldr, fmt.Sprintf("%s%06d.fits", r.Prefix, n))
	fid, err := os.OpenFile(fn, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0666)
	if err != nil {
		return "", err
	}
	err = matrix.WriteFITS(fid, out, t)
	if err2 := fid.Close(); err == nil {
		err = err2
	}
	if err != nil {
		return "", err
	}
	return fn, nil
}

type strT struct {
	Str string `json:"str"`
}

type boolT struct {
	Bool bool `json:"bool"`
}

func reply(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// SetRoot updates the root folder of the recorder
func (r *Recorder) SetRoot(w http.ResponseWriter, req *http.Request) {
	str := strT{}
	err := json.NewDecoder(req.Body).Decode(&str)
	defer req.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err = os.MkdirAll(str.Str, 0777); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	r.mu.Lock()
	r.Root = str.Str
	r.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

// GetRoot gets the recorder's root folder and sends it back as JSON
func (r *Recorder) GetRoot(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reply(w, strT{r.Root})
}

// SetPrefix updates the filename prefix of the recorder
func (r *Recorder) SetPrefix(w http.ResponseWriter, req *http.Request) {
	str := strT{}
	err := json.NewDecoder(req.Body).Decode(&str)
	defer req.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	r.mu.Lock()
	r.Prefix = str.Str
	r.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

// GetPrefix gets the recorder's prefix and sends it back as JSON
func (r *Recorder) GetPrefix(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reply(w, strT{r.Prefix})
}

// SetEnabled sets the recorder's Enabled field
func (r *Recorder) SetEnabled(w http.ResponseWriter, req *http.Request) {
	b := boolT{}
	err := json.NewDecoder(req.Body).Decode(&b)
	defer req.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	r.mu.Lock()
	r.Enabled = b.Bool
	r.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

// GetEnabled returns the Recorder's Enabled field
func (r *Recorder) GetEnabled(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reply(w, boolT{r.Enabled})
}

// Inject adds GET and POST routes for /archive/root, /archive/prefix, and
// /archive/enabled to the router
func (r *Recorder) Inject(rt chi.Router) {
	rt.Post("/archive/root", r.SetRoot)
	rt.Get("/archive/root", r.GetRoot)
	rt.Post("/archive/prefix", r.SetPrefix)
	rt.Get("/archive/prefix", r.GetPrefix)
	rt.Post("/archive/enabled", r.SetEnabled)
	rt.Get("/archive/enabled", r.GetEnabled)
}
