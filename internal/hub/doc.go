// Package hub lists the files of a model repository on a Hugging Face style
// hub.
//
// The manifest is read from
//
//	GET {endpoint}/api/models/{repo}/revision/{revision}
//
// whose body carries the file list:
//
//	{"siblings": [{"rfilename": "config.json"}, {"rfilename": "model.safetensors"}]}
//
// Files are filtered by glob patterns (github.com/bmatcuk/doublestar/v4
// syntax) and those already present at the destination are dropped. Each
// remaining file becomes a queue.Entry pointing at
//
//	{endpoint}/{repo}/resolve/{revision}/{filename}
package hub
