package cbapitest

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Win32 codes reported for missing objects.
const (
	ErrFileNotFound = 0x80070002
	ErrPathNotFound = 0x80070003
)

func failure(code int64, desc string) map[string]interface{} {
	return map[string]interface{}{
		"status":      "error",
		"result_type": "WinHresult",
		"result_code": code,
		"result_desc": desc,
	}
}

func complete(fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		fields = map[string]interface{}{}
	}
	fields["status"] = "complete"
	fields["result_code"] = 0
	return fields
}

// run executes one command against the toy endpoint. Callers hold s.mu.
func (s *Server) run(name, object string, body map[string]interface{}) map[string]interface{} {
	if f, ok := s.Failures[name]; ok {
		return map[string]interface{}{
			"status":      "error",
			"result_type": f.ResultType,
			"result_code": f.ResultCode,
			"result_desc": f.ResultDesc,
		}
	}

	switch name {
	case "directory list":
		return s.listDirectory(object)

	case "get file":
		data, ok := s.Files[object]
		if !ok {
			return failure(ErrFileNotFound, "")
		}
		s.nextFile++
		s.uploads[s.nextFile] = data
		return complete(map[string]interface{}{"file_id": s.nextFile})

	case "put file":
		id := toInt(body["file_id"])
		data, ok := s.uploads[id]
		if !ok {
			return failure(ErrFileNotFound, "upload missing")
		}
		s.Files[object] = data
		delete(s.uploads, id)
		return complete(nil)

	case "delete file":
		if _, ok := s.Files[object]; !ok {
			return failure(ErrFileNotFound, "")
		}
		delete(s.Files, object)
		return complete(nil)

	case "create directory":
		s.Dirs[strings.TrimRight(object, `\/`)] = true
		return complete(nil)

	case "process list":
		return complete(map[string]interface{}{"processes": s.Processes})

	case "kill":
		pid := toInt(body["object"])
		for i, p := range s.Processes {
			if toInt(p["pid"]) == pid {
				s.Processes = append(s.Processes[:i], s.Processes[i+1:]...)
				return complete(nil)
			}
		}
		return failure(0x80070057, "no such process")

	case "create process":
		if out, ok := body["output_file"].(string); ok && out != "" {
			s.Files[out] = []byte(s.ProcessOutput[object])
		}
		return complete(map[string]interface{}{"pid": 4242, "return_code": 0})

	case "reg enum key":
		subs, ok := s.Registry[object]
		if !ok {
			return failure(ErrFileNotFound, "")
		}
		var values []map[string]interface{}
		for k, v := range s.RegistryValues {
			if strings.HasPrefix(k, object+`\`) && !strings.Contains(k[len(object)+1:], `\`) {
				values = append(values, v)
			}
		}
		sort.Slice(values, func(i, j int) bool {
			return fmt.Sprint(values[i]["value_name"]) < fmt.Sprint(values[j]["value_name"])
		})
		return complete(map[string]interface{}{"sub_keys": subs, "values": values})

	case "reg query value":
		v, ok := s.RegistryValues[object]
		if !ok {
			return failure(ErrFileNotFound, "")
		}
		return complete(map[string]interface{}{"value": v})

	case "reg set value":
		if _, exists := s.RegistryValues[object]; exists && body["overwrite"] != true {
			return failure(0x800700B7, "value exists")
		}
		s.RegistryValues[object] = map[string]interface{}{
			"value_name": object[strings.LastIndex(object, `\`)+1:],
			"value_type": body["value_type"],
			"value_data": body["value_data"],
		}
		return complete(nil)

	case "reg create key":
		s.Registry[object] = []string{}
		if i := strings.LastIndex(object, `\`); i > 0 {
			parent := object[:i]
			s.Registry[parent] = append(s.Registry[parent], object[i+1:])
		}
		return complete(nil)

	case "reg delete key":
		if _, ok := s.Registry[object]; !ok {
			return failure(ErrFileNotFound, "")
		}
		delete(s.Registry, object)
		return complete(nil)

	case "reg delete value":
		if _, ok := s.RegistryValues[object]; !ok {
			return failure(ErrFileNotFound, "")
		}
		delete(s.RegistryValues, object)
		return complete(nil)

	case "memdump":
		s.Files[object] = []byte("MDMP-full-memory")
		return complete(nil)
	}

	return failure(0x80004001, "not implemented")
}

// listDirectory lists the direct children of dir, which ends in a separator.
func (s *Server) listDirectory(dir string) map[string]interface{} {
	sep := `\`
	if strings.HasPrefix(dir, "/") {
		sep = "/"
	}
	trimmed := strings.TrimRight(dir, sep)
	if !strings.HasSuffix(dir, sep) {
		dir += sep
	}

	exists := s.Dirs[trimmed] || len(trimmed) == 2 || trimmed == ""
	seen := map[string]bool{}
	files := []map[string]interface{}{
		{"filename": ".", "attributes": []string{"DIRECTORY"}},
		{"filename": "..", "attributes": []string{"DIRECTORY"}},
	}

	add := func(name string, entry map[string]interface{}) {
		if seen[name] {
			return
		}
		seen[name] = true
		files = append(files, entry)
	}

	paths := make([]string, 0, len(s.Files)+len(s.Dirs))
	for p := range s.Files {
		paths = append(paths, p)
	}
	for p := range s.Dirs {
		paths = append(paths, p+sep)
	}
	sort.Strings(paths)

	for _, p := range paths {
		if !strings.HasPrefix(p, dir) {
			continue
		}
		exists = true
		rest := p[len(dir):]
		if rest == "" {
			continue
		}
		if i := strings.Index(rest, sep); i >= 0 {
			add(rest[:i], map[string]interface{}{
				"filename":        rest[:i],
				"attributes":      []string{"DIRECTORY"},
				"size":            0,
				"last_write_time": 1700000000,
			})
			continue
		}
		add(rest, map[string]interface{}{
			"filename":        rest,
			"attributes":      []string{"ARCHIVE"},
			"size":            len(s.Files[p]),
			"last_write_time": 1700000000,
		})
	}

	if !exists {
		return failure(ErrPathNotFound, "")
	}
	return complete(map[string]interface{}{"files": files})
}

func toInt(v interface{}) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int:
		return int64(n)
	case int64:
		return n
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	}
	return 0
}
