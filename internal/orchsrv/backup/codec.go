package backup

import (
	"archive/tar"
	"bytes"
	"io"
	"time"

	"github.com/golang/snappy"
	jsoniter "github.com/json-iterator/go"

	"github.com/stackplane/stackplane-internal/internal/common/apperrors"
	"github.com/stackplane/stackplane-internal/internal/orchsrv/state"
	"github.com/stackplane/stackplane-internal/internal/orchsrv/template"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const manifestEntry = "manifest.json"

// manifest describes what one archive contains. It travels inside the
// archive so a restore needs nothing but the blob and the record id.
type manifest struct {
	TenantID     string           `json:"tenant_id"`
	StackVersion string           `json:"stack_version"`
	Kind         state.BackupKind `json:"kind"`
	CreatedAt    time.Time        `json:"created_at"`
	Dumps        []dumpEntry      `json:"dumps"`
}

type dumpEntry struct {
	Service   string               `json:"service"`
	Kind      template.ServiceKind `json:"kind"`
	SizeBytes int64                `json:"size_bytes"`
}

// encodeArchive packs the manifest and per-service dumps into a
// snappy-framed tar stream.
func encodeArchive(m *manifest, dumps map[string][]byte) ([]byte, apperrors.Error) {
	mdoc, err := json.Marshal(m)
	if err != nil {
		return nil, ErrBackup.Err(err)
	}

	var buf bytes.Buffer
	sw := snappy.NewBufferedWriter(&buf)
	tw := tar.NewWriter(sw)

	write := func(name string, data []byte) error {
		hdr := &tar.Header{
			Name:    name,
			Mode:    0o600,
			Size:    int64(len(data)),
			ModTime: m.CreatedAt,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		_, err := tw.Write(data)
		return err
	}

	if err := write(manifestEntry, mdoc); err != nil {
		return nil, ErrBackup.MsgErr("unable to write archive manifest", err)
	}
	for _, d := range m.Dumps {
		if err := write("dumps/"+d.Service, dumps[d.Service]); err != nil {
			return nil, ErrBackup.MsgErr("unable to write service dump", err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, ErrBackup.Err(err)
	}
	if err := sw.Close(); err != nil {
		return nil, ErrBackup.Err(err)
	}
	return buf.Bytes(), nil
}

// decodeArchive unpacks an archive produced by encodeArchive.
func decodeArchive(data []byte) (*manifest, map[string][]byte, apperrors.Error) {
	tr := tar.NewReader(snappy.NewReader(bytes.NewReader(data)))
	var m *manifest
	dumps := make(map[string][]byte)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, ErrBackup.MsgErr("corrupt backup archive", err)
		}
		body, err := io.ReadAll(tr)
		if err != nil {
			return nil, nil, ErrBackup.MsgErr("corrupt backup archive", err)
		}
		switch {
		case hdr.Name == manifestEntry:
			m = &manifest{}
			if err := json.Unmarshal(body, m); err != nil {
				return nil, nil, ErrBackup.MsgErr("corrupt backup manifest", err)
			}
		case len(hdr.Name) > len("dumps/") && hdr.Name[:len("dumps/")] == "dumps/":
			dumps[hdr.Name[len("dumps/"):]] = body
		}
	}
	if m == nil {
		return nil, nil, ErrBackup.Msg("backup archive has no manifest")
	}
	return m, dumps, nil
}
