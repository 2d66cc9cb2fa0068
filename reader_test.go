package alloy

import (
	"archive/zip"
	"fmt"
	"io"
	"io/ioutil"
	"strings"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack"
)

type modelMeta struct {
	Name    string
	Version int
	Labels  []string
}

// mkarchive writes:
//
//	models/ models/weights.bin models/meta models/v1/ models/v1/notes.txt
//	data/   (implied only by data/a.csv, no marker)   top.txt
func mkarchive(t *testing.T) *Alloy {
	t.Helper()
	a := setup(t)
	root, err := a.Writer()
	tassert(t, err == nil, "Writer: %v", err)

	models, err := root.Within("models")
	tassert(t, err == nil, "Within: %v", err)
	sink := models.Resource("weights.bin")
	sink.Write([]byte{1, 2, 3})
	tassert(t, sink.Close() == nil, "Close")
	err = models.PutValue("meta", modelMeta{Name: "m", Version: 3, Labels: []string{"a", "b"}})
	tassert(t, err == nil, "PutValue: %v", err)
	v1, err := models.Within("v1")
	tassert(t, err == nil, "Within: %v", err)
	sink = v1.Resource("notes.txt")
	sink.WriteString("notes")
	tassert(t, sink.Close() == nil, "Close")

	// a resource whose name carries a slash implies a namespace
	sink = root.Resource("data/a.csv")
	sink.WriteString("1,2\n")
	tassert(t, sink.Close() == nil, "Close")

	sink = root.Resource("top.txt")
	sink.WriteByte('!')
	tassert(t, sink.Close() == nil, "Close")

	tassert(t, a.Close() == nil, "Alloy.Close")
	return a
}

func names(entries []Entry) string {
	var out []string
	for _, e := range entries {
		out = append(out, e.Name)
	}
	return strings.Join(out, " ")
}

func TestList(t *testing.T) {
	a := mkarchive(t)
	root, err := a.Reader()
	tassert(t, err == nil, "Reader: %v", err)
	defer a.Close()

	entries, err := root.List()
	tassert(t, err == nil, "List: %v", err)
	expect := "META-INF/ data/ models/ top.txt"
	tassert(t, names(entries) == expect, "expected %q got %q", expect, names(entries))
	for _, e := range entries {
		tassert(t, e.Dir == strings.HasSuffix(e.Name, "/"), "%s Dir=%v", e.Name, e.Dir)
	}
	// models/ has a marker, data/ does not
	tassert(t, !entries[2].Modified.IsZero(), "models/ lost its marker time")
	tassert(t, entries[1].Modified.IsZero(), "data/ has a time: %v", entries[1].Modified)

	entries, err = root.Within("models").List()
	tassert(t, err == nil, "List: %v", err)
	expect = "meta v1/ weights.bin"
	tassert(t, names(entries) == expect, "expected %q got %q", expect, names(entries))
	tassert(t, entries[2].Size == 3, "weights.bin size %d", entries[2].Size)

	entries, err = root.Within("nowhere").List()
	tassert(t, err == nil, "List: %v", err)
	tassert(t, len(entries) == 0, "expected no entries, got %q", names(entries))
}

func TestWalk(t *testing.T) {
	a := mkarchive(t)
	root, err := a.Reader()
	tassert(t, err == nil, "Reader: %v", err)
	defer a.Close()

	var got []string
	err = root.Within("models").Walk(func(e Entry) error {
		got = append(got, e.Name)
		return nil
	})
	tassert(t, err == nil, "Walk: %v", err)
	expect := "weights.bin meta v1/ v1/notes.txt"
	tassert(t, strings.Join(got, " ") == expect, "expected %q got %q", expect, got)

	stop := errors.New("stop")
	count := 0
	err = root.Walk(func(e Entry) error {
		count++
		return stop
	})
	tassert(t, err == stop, "Walk error: %v", err)
	tassert(t, count == 1, "Walk kept going: %d", count)
}

func TestValue(t *testing.T) {
	a := mkarchive(t)
	root, err := a.Reader()
	tassert(t, err == nil, "Reader: %v", err)
	defer a.Close()

	var meta modelMeta
	err = root.Within("models").Value("meta", &meta)
	tassert(t, err == nil, "Value: %v", err)
	expect := modelMeta{Name: "m", Version: 3, Labels: []string{"a", "b"}}
	tassert(t, fmt.Sprint(expect) == fmt.Sprint(meta), "expected %v got %v", expect, meta)

	err = root.Value("missing", &meta)
	tassert(t, IsNotFound(err), "expected NotFoundError, got %v", err)

	// raw bytes, not a msgpack map
	err = root.Within("models").Value("weights.bin", &meta)
	tassert(t, err != nil, "decoding weights.bin as a struct should fail")
}

func TestEncodeStream(t *testing.T) {
	a := setup(t)
	root, err := a.Writer()
	tassert(t, err == nil, "Writer: %v", err)
	sink := root.Resource("records")
	for i := 0; i < 5; i++ {
		err = sink.Encode(map[string]int{"i": i})
		tassert(t, err == nil, "Encode: %v", err)
	}
	tassert(t, sink.Close() == nil, "Close")
	tassert(t, a.Close() == nil, "Alloy.Close")

	r, err := a.Reader()
	tassert(t, err == nil, "Reader: %v", err)
	defer a.Close()
	rc, err := r.Resource("records")
	tassert(t, err == nil, "Resource: %v", err)
	defer rc.Close()
	dec := msgpack.NewDecoder(rc)
	for i := 0; i < 5; i++ {
		var rec map[string]int
		err = dec.Decode(&rec)
		tassert(t, err == nil, "Decode %d: %v", i, err)
		tassert(t, rec["i"] == i, "record %d: %v", i, rec)
	}
	var rec map[string]int
	err = dec.Decode(&rec)
	tassert(t, errors.Cause(err) == io.EOF, "expected EOF, got %v", err)
}

func TestManifest(t *testing.T) {
	a := mkarchive(t)
	root, err := a.Reader()
	tassert(t, err == nil, "Reader: %v", err)
	defer a.Close()

	m, err := root.Within("models").Manifest()
	tassert(t, err == nil, "Manifest: %v", err)
	tassert(t, m[0].Name == "Manifest-Version", "first attribute %q", m[0].Name)
	tassert(t, m.Get("manifest-version") == Version, "Manifest-Version %q", m.Get("Manifest-Version"))
	tassert(t, m.Get("Implementation-Title") == "github.com/t7a/alloy", "Implementation-Title %q", m.Get("Implementation-Title"))
	tassert(t, m.Get("Go-Version") != "", "Go-Version missing")

	zr, err := zip.OpenReader(a.Path)
	tassert(t, err == nil, "zip.OpenReader: %v", err)
	defer zr.Close()
	first := zr.File[0]
	tassert(t, first.Name == ManifestName, "first entry %q", first.Name)
	tassert(t, len(first.Extra) >= 4 && first.Extra[0] == 0xFE && first.Extra[1] == 0xCA, "jar magic missing: % x", first.Extra)
}

func TestConcurrentRead(t *testing.T) {
	a := mkarchive(t)
	root, err := a.Reader()
	tassert(t, err == nil, "Reader: %v", err)
	defer a.Close()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r := root.Within("models")
			name := "weights.bin"
			if i%2 == 1 {
				r = r.Within("v1")
				name = "notes.txt"
			}
			rc, err := r.Resource(name)
			if err != nil {
				t.Error(err)
				return
			}
			defer rc.Close()
			buf, err := ioutil.ReadAll(rc)
			if err != nil {
				t.Error(err)
				return
			}
			if len(buf) == 0 {
				t.Errorf("%s: empty read", name)
			}
		}(i)
	}
	wg.Wait()
}

func TestDuplicateResource(t *testing.T) {
	a := setup(t)
	root, err := a.Writer()
	tassert(t, err == nil, "Writer: %v", err)
	for _, content := range []string{"first", "second"} {
		sink := root.Resource("dup")
		sink.WriteString(content)
		tassert(t, sink.Close() == nil, "Close")
	}
	tassert(t, a.Close() == nil, "Alloy.Close")

	// both commits land; the reader resolves to the first
	expect := []string{ManifestName, "dup", "dup"}
	got := entryNames(t, a.Path)
	tassert(t, fmt.Sprint(expect) == fmt.Sprint(got), "expected %v got %v", expect, got)

	r, err := a.Reader()
	tassert(t, err == nil, "Reader: %v", err)
	defer a.Close()
	content := string(readAll(t, r, "dup"))
	tassert(t, content == "first", "expected the first commit, got %q", content)
}
