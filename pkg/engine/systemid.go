package engine

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/concoursedb/concourse/pkg/errs"
)

const systemIDFile = ".id"

// reconcileSystemID implements §6's startup rule: "on first start in
// empty dirs, generate a UUID and write it to <buffer>/.id and
// <db>/.id. On restart, both must exist and match; mismatch is a fatal
// startup error."
func reconcileSystemID(bufferDir, dbDir string) (string, error) {
	bufID, err := readSystemID(bufferDir)
	if err != nil {
		return "", err
	}
	dbID, err := readSystemID(dbDir)
	if err != nil {
		return "", err
	}

	switch {
	case bufID == "" && dbID == "":
		id := uuid.NewString()
		if err := writeSystemID(bufferDir, id); err != nil {
			return "", err
		}
		if err := writeSystemID(dbDir, id); err != nil {
			return "", err
		}
		return id, nil
	case bufID == "" || dbID == "":
		return "", errs.Fatal(errors.New("system id missing from one directory"),
			"engine: buffer and database directories must both carry a system id, or neither")
	case bufID != dbID:
		return "", errs.Fatal(errors.Newf("buffer id %s != database id %s", bufID, dbID),
			"engine: system id mismatch between buffer and database directories")
	default:
		return bufID, nil
	}
}

func readSystemID(dir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, systemIDFile))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", errs.Fatal(err, "engine: read system id in %s", dir)
	}
	return strings.TrimSpace(string(data)), nil
}

func writeSystemID(dir, id string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.Fatal(err, "engine: create directory %s", dir)
	}
	if err := os.WriteFile(filepath.Join(dir, systemIDFile), []byte(id), 0o644); err != nil {
		return errs.Fatal(err, "engine: write system id in %s", dir)
	}
	return nil
}
