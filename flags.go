package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"runtime/pprof"
)

const help = `Requirements:
- a yaml input deck naming the primitive structure file, the
  displaced-sample force records, and the supercell diagonal
- the structure file in POSCAR-style direct coordinates
- one json record per displaced supercell: absolute positions and
  forces, in the order the displacement generator produced them; an
  optional trailing zero-displacement sample is used to drift-correct
  the forces and then dropped
Flags:
`

var (
	cpuprofile = flag.String("cpuprofile", "", "write cpu profile to `file`")
	version    = flag.Bool("version", false, "print the version and exit")
)

// VERSION is stamped by the build
var VERSION = "devel"

// ParseFlags parses command line flags and returns a slice of the
// remaining arguments
func ParseFlags() []string {
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), help)
		flag.PrintDefaults()
	}
	flag.Parse()
	if *version {
		fmt.Printf("pbph version: %s\n", VERSION)
		os.Exit(0)
	}
	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal("could not create CPU profile: ", err)
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal("could not start CPU profile: ", err)
		}
	}
	return flag.Args()
}

func errExit(err error, msg string) {
	fmt.Fprintf(os.Stderr, "pbph: %v %s\n", err, msg)
	os.Exit(1)
}
