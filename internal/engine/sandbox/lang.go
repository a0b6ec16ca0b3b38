// Package sandbox provides the engine's execution backends: a Docker
// backend that runs code in hardened throwaway containers, and a
// process backend that runs it as bare child processes for local
// development. Both implement engine.Sandbox.
package sandbox

import "github.com/warden-sh/warden/internal/engine"

// langSpec fixes how one language is compiled and run. The table is
// part of the engine's contract: images and scripts do not vary per
// deployment.
type langSpec struct {
	// SourceFile is the file name the submitted code is written to
	// inside the work directory.
	SourceFile string
	// Image is the container image the Docker backend launches.
	Image string
	// RunScript is executed by /bin/sh -c inside the container, with
	// the user args bound to "$@".
	RunScript string
	// Compiled marks languages the process backend must build before
	// running.
	Compiled bool
}

var langSpecs = map[engine.Language]langSpec{
	engine.LangPython: {
		SourceFile: "main.py",
		Image:      "python:3.12-alpine",
		RunScript:  `python3 -I /workspace/main.py "$@"`,
	},
	engine.LangJavaScript: {
		SourceFile: "main.js",
		Image:      "node:22-alpine",
		RunScript:  `node /workspace/main.js "$@"`,
	},
	engine.LangRust: {
		SourceFile: "main.rs",
		Image:      "rust:1.76-alpine",
		RunScript:  `rustc /workspace/main.rs -O -o /tmp/app && /tmp/app "$@"`,
		Compiled:   true,
	},
	engine.LangC: {
		SourceFile: "main.c",
		Image:      "gcc:14",
		RunScript:  `gcc /workspace/main.c -O2 -o /tmp/app && /tmp/app "$@"`,
		Compiled:   true,
	},
}

// specFor resolves the language spec for a run.
func specFor(lang engine.Language) (langSpec, bool) {
	s, ok := langSpecs[lang]
	return s, ok
}
