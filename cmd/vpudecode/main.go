package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"

	"github.com/facebookincubator/go-belt"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/facebookincubator/go-belt/tool/logger/implementation/logrus"
	"github.com/spf13/pflag"
	"github.com/xaionaro-go/observability"
	"github.com/xaionaro-go/vpudec"
	"github.com/xaionaro-go/vpudec/dma"
	"github.com/xaionaro-go/vpudec/engine/emulator"
	"github.com/xaionaro-go/vpudec/engine/libav"
	"github.com/xaionaro-go/vpudec/h264"
	"github.com/xaionaro-go/vpudec/session"
	"gopkg.in/yaml.v3"
)

func main() {
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "syntax: %s -i <input.h264> -o <output.yuv>\n", os.Args[0])
	}

	loggerLevel := logger.LevelWarning
	pflag.Var(&loggerLevel, "log-level", "Log level")
	inputPath := pflag.StringP("input", "i", "", "the h.264 elementary stream to decode")
	outputPath := pflag.StringP("output", "o", "", "where to write the raw I420 frames")
	engineName := pflag.String("engine", "libav", "the decode engine to use: 'libav' or 'emulator'")
	configPath := pflag.String("config", "", "an optional YAML session config")
	netPprofAddr := pflag.String("net-pprof-listen-addr", "", "an address to listen for incoming net/pprof connections")
	pflag.Parse()
	if *inputPath == "" || *outputPath == "" {
		pflag.Usage()
		os.Exit(1)
	}

	l := logrus.Default().WithLevel(loggerLevel)
	ctx := logger.CtxWithLogger(context.Background(), l)
	logger.Default = func() logger.Logger {
		return l
	}
	defer belt.Flush(ctx)

	if *netPprofAddr != "" {
		observability.Go(ctx, func() { l.Error(http.ListenAndServe(*netPprofAddr, nil)) })
	}

	config := vpudec.SessionConfig{
		Open: vpudec.OpenParams{
			CodecFormat: vpudec.CodecFormatH264,
		},
	}
	if *configPath != "" {
		cfg, err := vpudec.ReadSessionConfigFromPath(*configPath)
		if err != nil {
			l.Fatal(err)
		}
		config = *cfg
	}

	var loader vpudec.EngineLoader
	switch *engineName {
	case "libav":
		loader = libav.NewLoader(ctx)
	case "emulator":
		loader = emulator.NewLoader(emulator.Config{})
	default:
		l.Fatalf("unknown engine '%s'", *engineName)
	}

	l.Debugf("opening '%s' as the input...", *inputPath)
	input, err := os.Open(*inputPath)
	if err != nil {
		l.Fatal(err)
	}
	defer input.Close()

	source, err := h264.NewAccessUnitSource(ctx, input)
	if err != nil {
		l.Fatal(err)
	}

	l.Debugf("opening '%s' as the output...", *outputPath)
	output, err := os.Create(*outputPath)
	if err != nil {
		l.Fatal(err)
	}
	defer output.Close()

	l.Debugf("initializing the decode session...")
	sess, err := session.New(ctx, session.Params{
		Loader:    loader,
		Allocator: dma.NewAllocator(),
		Source:    source,
		Sink:      fileSink{output},
		Config:    config,
		OnDropped: func(anomaly vpudec.StreamAnomaly) {
			logger.Warnf(ctx, "%v", anomaly)
		},
	})
	if err != nil {
		l.Fatal(err)
	}

	l.Debugf("decoding...")
	runErr := sess.Run(ctx)

	stats := sess.GetStats(ctx)
	statsYAML, err := yaml.Marshal(stats)
	if err != nil {
		l.Fatal(err)
	}
	fmt.Fprintf(os.Stderr, "%s", statsYAML)

	if runErr != nil {
		l.Fatal(runErr)
	}
}

type fileSink struct {
	file *os.File
}

func (s fileSink) WritePicture(ctx context.Context, data []byte) error {
	if _, err := s.file.Write(data); err != nil {
		return fmt.Errorf("unable to write the picture: %w", err)
	}
	return nil
}
