package main

import (
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
	"github.com/t7a/alloy"
)

// quiet period after the last change before a repack starts
var settle = 500 * time.Millisecond

type job struct {
	w    *alloy.Writer
	name string
	src  string
}

// pack writes the tree under dir to archive.  Directories become
// namespaces in walk order; regular files are handed to jobs producer
// goroutines, so resource entries land in whatever order the
// producers finish.  The archive is published atomically, and left
// untouched if anything fails.
func pack(dir, archive string, jobs int) (count int, err error) {
	defer Return(&err)
	info, err := os.Stat(dir)
	Ck(err)
	ErrnoIf(!info.IsDir(), syscall.ENOTDIR, "not a directory: %s", dir)
	skip, err := skipper(archive)
	Ck(err)

	a := alloy.New(archive, alloy.WithAtomic())
	root, err := a.Writer()
	Ck(err)
	count, err = fill(root, dir, skip, jobs)
	if err != nil {
		a.Abort()
		return
	}
	err = a.Close()
	Ck(err)
	log.Debugf("packed %d resources from %s", count, dir)
	return
}

func fill(root *alloy.Writer, dir string, skip func(string) bool, jobs int) (count int, err error) {
	var mu sync.Mutex
	var wg sync.WaitGroup
	queue := make(chan job)
	for i := 0; i < jobs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range queue {
				perr := produce(j)
				mu.Lock()
				if perr == nil {
					count++
				} else if err == nil {
					err = perr
				}
				mu.Unlock()
			}
		}()
	}

	writers := map[string]*alloy.Writer{".": root}
	werr := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if skip(path) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		parent := writers[filepath.Dir(rel)]
		switch {
		case info.IsDir():
			w, err := parent.Within(info.Name())
			if err != nil {
				return err
			}
			writers[rel] = w
		case info.Mode().IsRegular():
			queue <- job{w: parent, name: info.Name(), src: path}
		default:
			log.Debugf("skipping %s: %v", path, info.Mode())
		}
		return nil
	})
	close(queue)
	wg.Wait()

	if werr != nil {
		return count, werr
	}
	return
}

// produce copies one file into a sink and commits it.
func produce(j job) (err error) {
	f, err := os.Open(j.src)
	if err != nil {
		return
	}
	defer f.Close()
	sink := j.w.Resource(j.name)
	_, err = sink.ReadFrom(f)
	if err != nil {
		return
	}
	return sink.Close()
}

// skipper matches the archive itself and the temporary files it is
// built in, so an archive placed inside the packed tree does not
// swallow itself.
func skipper(archive string) (skip func(string) bool, err error) {
	abs, err := filepath.Abs(archive)
	if err != nil {
		return
	}
	dir, base := filepath.Split(abs)
	dir = filepath.Clean(dir)
	skip = func(path string) bool {
		p, err := filepath.Abs(path)
		if err != nil {
			return false
		}
		if p == abs {
			return true
		}
		return filepath.Dir(p) == dir && strings.HasPrefix(filepath.Base(p), "."+base)
	}
	return
}

// watch packs dir, then repacks after every burst of changes until
// SIGINT or SIGTERM.
func watch(dir, archive string, jobs int) (err error) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)
	done := make(chan struct{})
	go func() {
		<-sig
		close(done)
	}()
	return repack(dir, archive, jobs, done, func(count int) {
		log.Infof("packed %d resources into %s", count, archive)
	})
}

func repack(dir, archive string, jobs int, done <-chan struct{}, packed func(int)) (err error) {
	defer Return(&err)
	skip, err := skipper(archive)
	Ck(err)

	watcher, err := fsnotify.NewWatcher()
	Ck(err)
	defer watcher.Close()

	err = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
	Ck(err)

	count, err := pack(dir, archive, jobs)
	Ck(err)
	packed(count)

	var debounce <-chan time.Time
	for {
		select {
		case <-done:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if skip(event.Name) || event.Op == fsnotify.Chmod {
				continue
			}
			log.Debugf("change %v", event)
			if event.Op&fsnotify.Create == fsnotify.Create {
				info, serr := os.Stat(event.Name)
				if serr == nil && info.IsDir() {
					err = watcher.Add(event.Name)
					Ck(err)
				}
			}
			debounce = time.After(settle)
		case <-debounce:
			count, err := pack(dir, archive, jobs)
			if err != nil {
				// keep watching; the previous archive is still in place
				log.Error(err)
				continue
			}
			packed(count)
		case werr, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Errorf("watcher error: %v", werr)
		}
	}
}
