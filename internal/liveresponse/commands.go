package liveresponse

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	cbdlrerrors "cbdlr/internal/errors"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// FileInfo is one entry of a directory listing. Times are Unix seconds.
type FileInfo struct {
	Filename       string   `json:"filename"`
	AlternateName  string   `json:"alternate_name,omitempty"`
	Size           int64    `json:"size"`
	Attributes     []string `json:"attributes"`
	CreateTime     int64    `json:"create_time"`
	LastAccessTime int64    `json:"last_access_time"`
	LastWriteTime  int64    `json:"last_write_time"`
}

// IsDir reports whether the entry is a directory.
func (f FileInfo) IsDir() bool {
	for _, a := range f.Attributes {
		if strings.EqualFold(a, "DIRECTORY") {
			return true
		}
	}
	return false
}

// ModTime returns the last write time.
func (f FileInfo) ModTime() time.Time {
	return time.Unix(f.LastWriteTime, 0).UTC()
}

// Process is one entry of a process listing.
type Process struct {
	Pid         int64  `json:"pid"`
	CreateTime  int64  `json:"create_time"`
	ProcGUID    string `json:"proc_guid"`
	Path        string `json:"path"`
	CommandLine string `json:"command_line"`
	SID         string `json:"sid"`
	Username    string `json:"username"`
	Parent      int64  `json:"parent"`
	ParentGUID  string `json:"parent_guid"`
}

// RegistryValue is a registry value as reported by the sensor.
type RegistryValue struct {
	Type string      `json:"value_type"`
	Name string      `json:"value_name"`
	Data interface{} `json:"value_data"`
}

// RegistryKey holds the children of a registry key.
type RegistryKey struct {
	SubKeys []string
	Values  []RegistryValue
}

// ListDirectory lists the entries of dir, excluding "." and "..".
func (s *Session) ListDirectory(ctx context.Context, dir string) ([]FileInfo, error) {
	res, err := s.execute(ctx, "directory list", map[string]interface{}{
		"object": s.Paths.WithTrailingSeparator(dir),
	})
	if err != nil {
		return nil, err
	}

	entries := make([]FileInfo, 0, len(res.Files))
	for _, f := range res.Files {
		if f.Filename == "." || f.Filename == ".." {
			continue
		}
		entries = append(entries, f)
	}
	return entries, nil
}

// WalkFunc is called once per directory visited by Walk. Returning an error
// stops the walk.
type WalkFunc func(dir string, dirs, files []FileInfo) error

// Walk visits top and every directory beneath it, parents before children.
// Directories that cannot be listed are passed to onError; a nil onError
// skips them.
func (s *Session) Walk(ctx context.Context, top string, fn WalkFunc, onError func(dir string, err error) error) error {
	entries, err := s.ListDirectory(ctx, top)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if onError != nil {
			return onError(top, err)
		}
		return nil
	}

	var dirs, files []FileInfo
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e)
		} else {
			files = append(files, e)
		}
	}

	if err := fn(top, dirs, files); err != nil {
		return err
	}

	for _, d := range dirs {
		if err := s.Walk(ctx, s.Paths.Join(top, d.Filename), fn, onError); err != nil {
			return err
		}
	}
	return nil
}

// GetFile downloads a remote file into w and returns the byte count.
func (s *Session) GetFile(ctx context.Context, remotePath string, w io.Writer) (int64, error) {
	res, err := s.execute(ctx, "get file", map[string]interface{}{"object": remotePath})
	if err != nil {
		return 0, err
	}
	return s.fetchFile(ctx, res.FileID, w)
}

// fetchFile streams an uploaded session file and removes it from the platform.
func (s *Session) fetchFile(ctx context.Context, fileID int64, w io.Writer) (int64, error) {
	id := strconv.FormatInt(fileID, 10)
	body, err := s.conn.GetRaw(ctx, s.path("file", id, "content"))
	if err != nil {
		return 0, fmt.Errorf("failed to download file %s: %w", id, err)
	}
	n, copyErr := io.Copy(w, body)
	_ = body.Close()

	if err := s.conn.Delete(ctx, s.path("file", id)); err != nil {
		s.logger.Debug("session_file_delete_failed", zap.String("file_id", id), zap.Error(err))
	}

	if copyErr != nil {
		return n, cbdlrerrors.NewLocalWriteError("file "+id, copyErr)
	}
	return n, nil
}

// PutFile uploads content and writes it to remotePath on the device.
func (s *Session) PutFile(ctx context.Context, remotePath string, content io.Reader) error {
	if s.closed() {
		return cbdlrerrors.NewLRSessionClosedError(s.ID)
	}

	var uploaded struct {
		ID int64 `json:"id"`
	}
	if err := s.conn.PostMultipart(ctx, BasePath+"/session/"+s.ID+"/file", "file", s.Paths.Base(remotePath), content, &uploaded); err != nil {
		return fmt.Errorf("failed to upload %s: %w", remotePath, err)
	}

	_, err := s.execute(ctx, "put file", map[string]interface{}{
		"object":  remotePath,
		"file_id": uploaded.ID,
	})
	return err
}

// DeleteFile removes a remote file.
func (s *Session) DeleteFile(ctx context.Context, remotePath string) error {
	_, err := s.execute(ctx, "delete file", map[string]interface{}{"object": remotePath})
	return err
}

// CreateDirectory creates a remote directory.
func (s *Session) CreateDirectory(ctx context.Context, dir string) error {
	_, err := s.execute(ctx, "create directory", map[string]interface{}{"object": dir})
	return err
}

// ListProcesses returns the processes running on the device.
func (s *Session) ListProcesses(ctx context.Context) ([]Process, error) {
	res, err := s.execute(ctx, "process list", nil)
	if err != nil {
		return nil, err
	}
	return res.Processes, nil
}

// KillProcess terminates a process by pid.
func (s *Session) KillProcess(ctx context.Context, pid int64) error {
	_, err := s.execute(ctx, "kill", map[string]interface{}{"object": pid})
	return err
}

// ProcessOptions controls CreateProcess.
type ProcessOptions struct {
	// WaitForCompletion blocks until the process exits
	WaitForCompletion bool
	// WaitForOutput captures stdout/stderr; implies WaitForCompletion
	WaitForOutput bool
	// WorkingDirectory is the remote working directory
	WorkingDirectory string
	// RemoteOutputFile receives output; a temp file is used when empty
	RemoteOutputFile string
}

// ProcessResult describes a started process.
type ProcessResult struct {
	Pid        int64
	ReturnCode int64
	Output     []byte
}

// CreateProcess runs a command line on the device. With WaitForOutput the
// output is captured in a remote file, downloaded, and the file deleted.
func (s *Session) CreateProcess(ctx context.Context, commandLine string, opts ProcessOptions) (*ProcessResult, error) {
	args := map[string]interface{}{"object": commandLine}

	outputFile := ""
	if opts.WaitForOutput {
		opts.WaitForCompletion = true
		outputFile = opts.RemoteOutputFile
		if outputFile == "" {
			outputFile = s.tempPath()
		}
		args["output_file"] = outputFile
	}
	if opts.WaitForCompletion {
		args["wait"] = true
	}
	if opts.WorkingDirectory != "" {
		args["working_directory"] = opts.WorkingDirectory
	}

	res, err := s.execute(ctx, "create process", args)
	if err != nil {
		return nil, err
	}

	result := &ProcessResult{Pid: res.Pid, ReturnCode: res.ReturnCode}
	if outputFile == "" {
		return result, nil
	}

	var buf bytes.Buffer
	if _, err := s.GetFile(ctx, outputFile, &buf); err != nil {
		return result, fmt.Errorf("failed to collect process output: %w", err)
	}
	if err := s.DeleteFile(ctx, outputFile); err != nil {
		s.logger.Debug("output_file_delete_failed", zap.String("remote_path", outputFile), zap.Error(err))
	}
	result.Output = buf.Bytes()
	return result, nil
}

// ListRegistryKeysAndValues returns the sub-keys and values under a key.
func (s *Session) ListRegistryKeysAndValues(ctx context.Context, key string) (*RegistryKey, error) {
	res, err := s.execute(ctx, "reg enum key", map[string]interface{}{"object": key})
	if err != nil {
		return nil, err
	}
	return &RegistryKey{SubKeys: res.SubKeys, Values: res.Values}, nil
}

// GetRegistryValue reads one registry value.
func (s *Session) GetRegistryValue(ctx context.Context, valuePath string) (*RegistryValue, error) {
	res, err := s.execute(ctx, "reg query value", map[string]interface{}{"object": valuePath})
	if err != nil {
		return nil, err
	}
	if res.Value == nil {
		return &RegistryValue{Name: s.Paths.Base(valuePath)}, nil
	}
	return res.Value, nil
}

// SetRegistryValue writes a registry value. valueType is a REG_* name and
// defaults to REG_SZ.
func (s *Session) SetRegistryValue(ctx context.Context, valuePath string, data interface{}, valueType string, overwrite bool) error {
	if valueType == "" {
		valueType = "REG_SZ"
	}
	_, err := s.execute(ctx, "reg set value", map[string]interface{}{
		"object":     valuePath,
		"value_data": data,
		"value_type": valueType,
		"overwrite":  overwrite,
	})
	return err
}

// CreateRegistryKey creates a registry key.
func (s *Session) CreateRegistryKey(ctx context.Context, key string) error {
	_, err := s.execute(ctx, "reg create key", map[string]interface{}{"object": key})
	return err
}

// DeleteRegistryKey deletes a registry key.
func (s *Session) DeleteRegistryKey(ctx context.Context, key string) error {
	_, err := s.execute(ctx, "reg delete key", map[string]interface{}{"object": key})
	return err
}

// DeleteRegistryValue deletes a registry value.
func (s *Session) DeleteRegistryValue(ctx context.Context, valuePath string) error {
	_, err := s.execute(ctx, "reg delete value", map[string]interface{}{"object": valuePath})
	return err
}

// Memdump writes a full memory dump of the device to a remote temp file,
// streams it into w, and deletes the remote copy.
func (s *Session) Memdump(ctx context.Context, w io.Writer) (int64, error) {
	remote := s.tempPath()
	if _, err := s.execute(ctx, "memdump", map[string]interface{}{"object": remote}); err != nil {
		return 0, err
	}

	n, err := s.GetFile(ctx, remote, w)
	if delErr := s.DeleteFile(ctx, remote); delErr != nil {
		s.logger.Debug("memdump_delete_failed", zap.String("remote_path", remote), zap.Error(delErr))
	}
	return n, err
}

func (s *Session) tempPath() string {
	return s.Paths.Join(s.Paths.TempDir(), "cblr."+uuid.NewString()+".tmp")
}
