package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	gosip "github.com/ghettovoice/gosip"
	gosiplog "github.com/ghettovoice/gosip/log"
	"gopkg.in/ini.v1"

	"easycaller/audioroute"
	"easycaller/caller"
	"easycaller/notify"
	"easycaller/push"
	"easycaller/recorder"
	"easycaller/sipvoice"
	"easycaller/tgvoice"
	"easycaller/tone"
)

var configPath = flag.String("config", "settings.ini", "path to the settings file")

// voice is a started call backend.
type voice struct {
	caller.Voice
	// attach routes incoming invites to the push adapter.
	attach func(*push.Adapter)
	// newInvite binds push payload fields to the backend; nil when the
	// backend receives invites only through its own signalling.
	newInvite func(push.InviteFields) caller.Invite
	run       func(context.Context) error
	close     func()
}

func startSIP(s *Settings) (*voice, error) {
	coreLog.Info("starting SIP server")

	host, err := advertisedHost(s.PublicAddress())
	if err != nil {
		return nil, fmt.Errorf("sip host: %w", err)
	}
	logger := gosiplog.NewLogrusLogger(sipLog, "SIP", nil)
	srv := gosip.NewServer(gosip.ServerConfig{Host: host, UserAgent: "easycaller"}, nil, nil, logger)

	port, err := listenSIP(srv, s.SIPPort(), s.SIPPortRange())
	if err != nil {
		srv.Shutdown()
		return nil, err
	}

	var secret []byte
	if len(s.TokenSecret()) > 0 {
		secret = s.TokenSecret()
	}
	b, err := sipvoice.New(sipvoice.Config{
		Server:              srv,
		Host:                host,
		Port:                port,
		Domain:              s.Domain(),
		Registrar:           s.Registrar(),
		BridgeURI:           s.BridgeURI(),
		User:                s.Identity(),
		MediaPort:           s.MediaPort(),
		TokenSecret:         secret,
		KeepAlive:           s.KeepAlive(),
		MaxMissedKeepAlives: s.MaxMissedKeepAlives(),
		RegisterExpiry:      s.RegisterExpiry(),
		Logger:              sipLog,
	})
	if err != nil {
		srv.Shutdown()
		return nil, err
	}
	if err := b.Start(); err != nil {
		srv.Shutdown()
		return nil, err
	}
	return &voice{
		Voice:     b,
		attach:    func(a *push.Adapter) { b.SetSink(a) },
		newInvite: b.PushInvite,
		run:       b.Run,
		close:     srv.Shutdown,
	}, nil
}

// listenSIP binds the first free UDP port in [port, port+portRange].
func listenSIP(srv gosip.Server, port, portRange int) (int, error) {
	var listenErr error
	for i := 0; i <= portRange; i++ {
		addr := fmt.Sprintf(":%d", port+i)
		listenErr = srv.Listen("udp", addr)
		if listenErr == nil {
			coreLog.Infof("SIP server listening on %s/udp", addr)
			return port + i, nil
		}
		coreLog.Warnf("failed to listen on %s: %v", addr, listenErr)
	}
	return 0, fmt.Errorf("sip listen: %w", listenErr)
}

func startTG(s *Settings) (*voice, error) {
	coreLog.Info("starting Telegram client")

	cc := tgvoice.ClientConfig{
		APIID:              int32(s.APIID()),
		APIHash:            s.APIHash(),
		DatabaseFolder:     s.DatabaseFolder(),
		SystemLanguageCode: s.SystemLanguageCode(),
		DeviceModel:        s.DeviceModel(),
		SystemVersion:      s.SystemVersion(),
		ApplicationVersion: s.ApplicationVersion(),
	}
	if s.ProxyEnabled() {
		if s.ProxyAddress() != "" && s.ProxyPort() != 0 {
			cc.Proxy = tgvoice.Proxy{
				Address:  s.ProxyAddress(),
				Port:     int32(s.ProxyPort()),
				Username: s.ProxyUsername(),
				Password: s.ProxyPassword(),
			}
		} else {
			coreLog.Warn("telegram proxy enabled but address or port missing")
		}
	}

	sess, err := tgvoice.Open(cc, telegramLog)
	if err != nil {
		return nil, err
	}
	protocol := tgvoice.DefaultProtocol
	protocol.UDPP2P = s.UDPP2P()
	protocol.UDPReflector = s.UDPReflector()

	b := tgvoice.New(sess, tgvoice.Config{
		Identity: s.Identity(),
		Protocol: protocol,
		Logger:   telegramLog,
	})
	if err := sess.Refresh(b.Directory()); err != nil {
		coreLog.Warnf("initial contacts load failed: %v", err)
	}
	return &voice{
		Voice:  b,
		attach: func(a *push.Adapter) { b.SetSink(a) },
		run: func(ctx context.Context) error {
			return sess.Run(ctx, b, s.ContactsRefresh())
		},
		close: func() {
			if err := sess.Close(); err != nil {
				coreLog.Warnf("telegram close: %v", err)
			}
		},
	}, nil
}

func startVoice(s *Settings) (*voice, error) {
	switch s.Backend() {
	case backendTelegram:
		return startTG(s)
	default:
		return startSIP(s)
	}
}

// buildCoordinator assembles the tone player, audio router and recorder
// around v.
func buildCoordinator(s *Settings, v caller.Voice) (*caller.Coordinator, error) {
	tones, err := tone.New(&tone.Platform{
		NewEngine: tone.FileEngineFactory(map[tone.Sound]string{
			tone.Ringing:    s.RingingFile(),
			tone.Disconnect: s.DisconnectFile(),
		}, toneLog),
		Volume: tone.StaticVolume{Level: s.Volume(), MaxLevel: s.MaxVolume()},
	}, tone.WithLogger(toneLog), tone.WithDisconnectGuard(s.DisconnectGuard()))
	if err != nil {
		return nil, err
	}

	route := audioroute.NewRouter(audioroute.NewMemorySwitch(s.Devices()...), coreLog)
	rec := recorder.New(
		recorder.NullSourceFactory(s.CaptureInterval()),
		recorder.Format{SampleRate: s.SampleRate(), Channels: s.Channels(), BitsPerSample: 16},
		captureLog,
	)
	return caller.New(caller.Config{
		Voice:     v,
		Tones:     tones,
		Route:     route,
		Recorder:  rec,
		Logger:    coreLog,
		QueueSize: s.EventQueue(),
	})
}

func run(ctx context.Context, s *Settings) error {
	v, err := startVoice(s)
	if err != nil {
		return fmt.Errorf("start %s backend: %w", s.Backend(), err)
	}
	defer v.close()

	coord, err := buildCoordinator(s, v)
	if err != nil {
		return fmt.Errorf("build coordinator: %w", err)
	}
	err = coord.Start(func(devices []audioroute.Device, selected *audioroute.Device) {
		coreLog.Infof("audio devices changed: %v (selected %v)", devices, selected)
	})
	if err != nil {
		return fmt.Errorf("start coordinator: %w", err)
	}

	adapter := push.NewAdapter(push.TwilioDecoder{NewInvite: v.newInvite}, push.WithLogger(pushLog))
	defer adapter.Close()
	v.attach(adapter)

	hub := notify.NewHub(notifyLog)
	defer hub.Close()
	presenter := notify.NewPresenter(hub,
		notify.WithLogger(notifyLog),
		notify.WithVisibility(hub),
		notify.WithTitle(s.NotifyTitle()),
	)

	gw := NewGateway(GatewayConfig{
		Coordinator: coord,
		Adapter:     adapter,
		Presenter:   presenter,
		Requests:    hub.Requests(),
		Calls:       NewCallLog(0),
		Token:       s.AccessToken,
		Identity:    s.Identity(),
		Logger:      coreLog,
	})
	app := newApp(&API{
		ctx:     ctx,
		gw:      gw,
		coord:   coord,
		adapter: adapter,
		hub:     hub,
		recDir:  s.RecordingDir(),
		log:     coreLog,
		now:     time.Now,
	}, s.WebsocketPath())

	if err := os.MkdirAll(s.RecordingDir(), 0o755); err != nil {
		coreLog.Warnf("recording directory: %v", err)
	}

	errs := make(chan error, 4)
	go func() { errs <- coord.Run(ctx) }()
	go func() { errs <- v.run(ctx) }()
	go func() { errs <- gw.Run(ctx) }()
	go func() {
		coreLog.Infof("HTTP listening on %s", s.HTTPListen())
		errs <- app.Listen(s.HTTPListen())
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errs:
		if errors.Is(runErr, context.Canceled) {
			runErr = nil
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		coreLog.Warnf("HTTP shutdown: %v", err)
	}
	return runErr
}

func main() {
	flag.Parse()

	cfg, err := ini.Load(*configPath)
	if err != nil {
		fmt.Printf("failed to load settings: %v\n", err)
		os.Exit(1)
	}

	settings, err := LoadSettings(cfg)
	if err != nil {
		fmt.Printf("failed to parse settings: %v\n", err)
		os.Exit(1)
	}

	if err := initLogging(cfg); err != nil {
		fmt.Printf("failed to init logging: %v\n", err)
		os.Exit(1)
	}
	defer closeLogging()
	coreLog.Infof("settings loaded from %s, backend %s", *configPath, settings.Backend())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, settings); err != nil {
		coreLog.Errorf("easycaller stopped: %v", err)
	}
	coreLog.Info("performing a graceful shutdown...")
}
