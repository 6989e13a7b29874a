package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/scientisst/gosense/emulator"
	log "github.com/sirupsen/logrus"
)

var listen = flag.String("l", "", "accept hosts at [bindtohost][:]port")
var connTo = flag.String("c", "", "connect to a host waiting in tcp-server mode at [host]:[port]")
var firmware = flag.String("fw", "v1.0", "firmware version to report")
var battery = flag.Uint("battery", 3100, "raw battery reading of the status block")
var fast = flag.Bool("fast", false, "stream as fast as the host reads instead of at the sample rate")
var corrupt = flag.Int("corrupt", 0, "insert a stray byte before every n-th packet")
var verbose = flag.Bool("v", false, "verbose logging")

func main() {
	flag.Parse()

	if *verbose {
		log.SetLevel(log.DebugLevel)
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp: true,
		})
	}

	if (*listen == "") == (*connTo == "") {
		fmt.Fprintln(os.Stderr, "Need exactly one of -l or -c")
		flag.Usage()
		os.Exit(2)
	}

	cfg := emulator.Config{
		Firmware:     *firmware,
		Battery:      uint16(*battery),
		Realtime:     !*fast,
		CorruptEvery: *corrupt,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	if *listen != "" {
		// accept :[portnum] as well as [portnum]
		addr := *listen
		if i, err := strconv.Atoi(addr); err == nil {
			addr = fmt.Sprintf(":%d", i)
		}
		err = emulator.ListenAndServe(ctx, addr, cfg)
	} else {
		err = emulator.DialAndServe(ctx, *connTo, cfg)
	}
	if err != nil {
		log.Fatal(err)
	}
}
