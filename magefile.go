//go:build mage
// +build mage

package main

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/magefile/mage/mg"
)

// Default target to run when none is specified
// If not set, running mage will list available targets
var Default = Build

func gocmd(args ...string) error {
	cmd := exec.Command("go", args...)
	cmd.Env = append(os.Environ(), "CGO_ENABLED=0")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

func ldflags() string {
	v := os.Getenv("OPTOTARGET_VERSION")
	if v == "" {
		return ""
	}
	return "-X main.Version=" + v
}

// Build builds the optotarget executable into ./bin
func Build() error {
	fmt.Println("Building optotarget executable...")
	return gocmd("build", "-ldflags", ldflags(), "-o", "./bin/optotarget", "./cmd/optotarget")
}

// Test runs the package tests
func Test() error {
	return gocmd("test", "./...")
}

// Install installs optotarget into GOBIN
func Install() error {
	mg.Deps(Test)
	fmt.Println("Installing optotarget...")
	return gocmd("install", "-ldflags", ldflags(), "./cmd/optotarget")
}
