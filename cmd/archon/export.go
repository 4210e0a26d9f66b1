package main

import (
	"archive/tar"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/mtzanidakis/archon/internal/config"
	"github.com/mtzanidakis/archon/internal/store"
)

// Archive layout: one JSON file per record, grouped by table under a
// top-level directory ("runs/<id>.json", "checkpoints/<run>-<n>.json",
// "agents/<name>.json", "recurring/<id>.json").
const (
	dirRuns        = "runs"
	dirCheckpoints = "checkpoints"
	dirAgents      = "agents"
	dirRecurring   = "recurring"
)

func runExport(args []string) error {
	var outputPath string

	for i := 0; i < len(args); i++ {
		if args[i] == "-f" {
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for -f")
			}
			i++
			outputPath = args[i]
		}
	}

	if outputPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: archon export -f <output.tar.zst>\n")
		return fmt.Errorf("missing -f flag")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := store.New(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	f, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	defer zw.Close()

	tw := tar.NewWriter(zw)
	defer tw.Close()

	count := 0

	runs, err := db.ListRuns()
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}
	for _, run := range runs {
		if err := writeEntry(tw, path.Join(dirRuns, run.ID+".json"), run); err != nil {
			return err
		}
		count++

		cps, err := db.ListCheckpoints(run.ID)
		if err != nil {
			return fmt.Errorf("list checkpoints for %s: %w", run.ID, err)
		}
		for _, cp := range cps {
			name := fmt.Sprintf("%s-%d.json", cp.RunID, cp.Stage)
			if err := writeEntry(tw, path.Join(dirCheckpoints, name), cp); err != nil {
				return err
			}
			count++
		}
	}

	agents, err := db.ListAgents()
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}
	for _, a := range agents {
		if err := writeEntry(tw, path.Join(dirAgents, a.Name+".json"), a); err != nil {
			return err
		}
		count++
	}

	recs, err := db.ListRecurring()
	if err != nil {
		return fmt.Errorf("list recurring: %w", err)
	}
	for _, rec := range recs {
		if err := writeEntry(tw, path.Join(dirRecurring, rec.ID+".json"), rec); err != nil {
			return err
		}
		count++
	}

	// Close everything explicitly to catch write errors
	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close zstd: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}

	info, _ := os.Stat(outputPath)
	size := int64(0)
	if info != nil {
		size = info.Size()
	}

	fmt.Printf("Export complete: %d records, %s\n", count, formatSize(size))
	return nil
}

func writeEntry(tw *tar.Writer, name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	hdr := &tar.Header{
		Name:    name,
		Mode:    0o644,
		Size:    int64(len(data)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write tar header: %w", err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("write tar data: %w", err)
	}
	return nil
}

func runImport(args []string) error {
	var inputPath string
	overwrite := false

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-f":
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for -f")
			}
			i++
			inputPath = args[i]
		case "-overwrite":
			overwrite = true
		}
	}

	if inputPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: archon import -f <archive.tar.zst> [-overwrite]\n")
		return fmt.Errorf("missing -f flag")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := store.New(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	f, err := os.Open(inputPath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	count := 0

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		data, err := io.ReadAll(tr)
		if err != nil {
			return fmt.Errorf("read %s: %w", hdr.Name, err)
		}

		dir, _ := splitEntryPath(hdr.Name)
		switch dir {
		case dirRuns:
			var run store.Run
			if err := json.Unmarshal(data, &run); err != nil {
				return fmt.Errorf("decode %s: %w", hdr.Name, err)
			}
			if !overwrite {
				existing, err := db.GetRun(run.ID)
				if err != nil {
					return err
				}
				if existing != nil {
					return fmt.Errorf("run %s already exists, add -overwrite to replace", run.ID)
				}
			}
			if err := db.SaveRun(&run); err != nil {
				return err
			}
		case dirCheckpoints:
			var cp store.Checkpoint
			if err := json.Unmarshal(data, &cp); err != nil {
				return fmt.Errorf("decode %s: %w", hdr.Name, err)
			}
			if err := db.SaveCheckpoint(&cp); err != nil {
				return err
			}
		case dirAgents:
			var a store.Agent
			if err := json.Unmarshal(data, &a); err != nil {
				return fmt.Errorf("decode %s: %w", hdr.Name, err)
			}
			if err := db.SaveAgent(&a); err != nil {
				return err
			}
		case dirRecurring:
			var rec store.RecurringInvocation
			if err := json.Unmarshal(data, &rec); err != nil {
				return fmt.Errorf("decode %s: %w", hdr.Name, err)
			}
			if err := db.SaveRecurring(&rec); err != nil {
				return err
			}
		default:
			slog.Warn("skipping unknown archive entry", "name", hdr.Name)
			continue
		}
		count++
	}

	fmt.Printf("Import complete: %d records\n", count)
	return nil
}

// splitEntryPath splits "runs/abc.json" into ("runs", "abc.json").
func splitEntryPath(name string) (dir, base string) {
	name = strings.TrimLeft(name, "./")
	idx := strings.IndexByte(name, '/')
	if idx < 0 {
		return "", name
	}
	return name[:idx], name[idx+1:]
}

func formatSize(bytes int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}
