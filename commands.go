package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/pflag"

	"github.com/vilshansen/synapse-go/constants"
	"github.com/vilshansen/synapse-go/cryptoutils"
	"github.com/vilshansen/synapse-go/engine"
	"github.com/vilshansen/synapse-go/fileutils"
	"github.com/vilshansen/synapse-go/payload"
	"github.com/vilshansen/synapse-go/tokens"
)

// tokenSecretEnv supplies the token master secret when the config has none.
const tokenSecretEnv = "SYNAPSE_TOKEN_SECRET"

func parseFlags(fs *pflag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return err
		}
		return usageError("%v", err)
	}
	return nil
}

func (a *app) forge(args []string) error {
	fs, configPath, logLevel := a.flagSet("forge")
	input := fs.StringP("input", "i", "", "Payload file")
	mask := fs.StringP("mask", "m", "", "Mask name")
	outputDir := fs.StringP("output", "o", "", "Output directory (default: next to the payload)")
	passkeyFlag := fs.StringP("passkey", "p", "", "Passkey (a strong passkey is generated when omitted)")
	density := fs.Float64("density", constants.DefaultDensity, "Carrier density")
	compress := fs.String("compress", "", "Payload compression: none, zstd, lz4")
	text := fs.Bool("text", false, "Record an unnamed payload as knowledge.txt")
	withToken := fs.Bool("token", false, "Generate the passkey inside a signed access token")
	host := fs.String("host", "", "Safetensors model whose F32 tensor carries the payload instead of synthesized weights")
	hostTensor := fs.String("host-tensor", "", "Tensor to use from --host (default: the largest F32 tensor)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if err := a.setup(*configPath, *logLevel); err != nil {
		return err
	}

	if *input == "" || *mask == "" {
		return usageError("forge needs -i <payload> and -m <mask name>")
	}
	if *withToken && *passkeyFlag != "" {
		return usageError("--token generates its own passkey; do not combine it with -p")
	}
	if *hostTensor != "" && *host == "" {
		return usageError("--host-tensor needs --host <model.safetensors>")
	}

	opts := engine.ForgeOptions{
		MaskName:  *mask,
		Text:      *text,
		Density:   a.cfg.Density,
		ChunkSize: a.cfg.ChunkSize,
		Logger:    a.logger.With("command", "forge"),
	}
	if fs.Changed("density") {
		opts.Density = *density
	}
	codec, err := a.cfg.CompressionCodec()
	if fs.Changed("compress") {
		codec, err = payload.ParseCompression(*compress)
	}
	if err != nil {
		return err
	}
	opts.Compression = codec
	if *outputDir == "" {
		*outputDir = a.cfg.OutputDir
	}

	var hostName string
	if *host != "" {
		hostWeights, tensor, err := fileutils.LoadHostWeights(*host, *hostTensor)
		if err != nil {
			return err
		}
		opts.HostWeights = hostWeights
		hostName = fmt.Sprintf("%s from %s", tensor.Name, filepath.Base(*host))
		a.logger.Debug("host tensor loaded", "file", *host, "tensor", tensor.Name, "weights", len(hostWeights))
	}

	var (
		passkey   []byte
		generated bool
		token     string
		claims    *tokens.Claims
	)
	switch {
	case *withToken:
		secret, err := a.tokenSecret()
		if err != nil {
			return err
		}
		token, claims, err = tokens.Issue(secret, *mask, a.cfg.Tokens.TTL)
		if err != nil {
			return err
		}
		passkey = []byte(claims.Seed)
	case *passkeyFlag != "":
		passkey = []byte(*passkeyFlag)
		if err := cryptoutils.CheckPasskeyStrength(passkey, a.cfg.MinPasskeyLength); err != nil {
			return err
		}
	default:
		if passkey, err = cryptoutils.GenerateSecurePasskey(constants.PasskeyLength); err != nil {
			return err
		}
		generated = true
	}
	defer cryptoutils.ZeroBytes(passkey)
	opts.Passkey = passkey

	progress := a.newProgressLine()
	path, header, err := fileutils.ForgeFile(*input, *outputDir, opts, progress.Update)
	progress.Done()
	if err != nil {
		return err
	}

	fmt.Fprintln(a.stdout, successStyle.Render("Forged"), path)
	a.field("payload", fmt.Sprintf("%s as %q", formatBytes(int64(header.PayloadBytes)), header.Filename))
	if header.Compression != "" {
		a.field("compression", fmt.Sprintf("%s from %s", header.Compression, formatBytes(int64(header.UncompressedBytes))))
	}
	a.field("weights", fmt.Sprintf("%d (%s) at density %v", header.NumWeights, formatBytes(int64(header.WeightBytes())), header.Density))
	if hostName != "" {
		a.field("host", hostName)
	}
	if generated {
		a.field("passkey", secretStyle.Render(string(passkey)))
		fmt.Fprintln(a.stdout, labelStyle.Render("  Store the passkey safely. It cannot be recovered from the container."))
	}
	if claims != nil {
		a.field("token", secretStyle.Render(token))
		a.field("token id", claims.ID)
		a.field("expires", claims.Expires().UTC().Format(time.RFC3339))
	}
	return nil
}

func (a *app) unmask(args []string) error {
	fs, configPath, logLevel := a.flagSet("unmask")
	input := fs.StringP("input", "i", "", "Container file or wildcard pattern")
	outputDir := fs.StringP("output", "o", "", "Output directory (default: next to the container)")
	passkeyFlag := fs.StringP("passkey", "p", "", "Passkey (prompted for when omitted)")
	tokenFlag := fs.StringP("token", "t", "", "SYN access token carrying the passkey")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if err := a.setup(*configPath, *logLevel); err != nil {
		return err
	}

	if *input == "" {
		return usageError("unmask needs -i <container>")
	}
	if *tokenFlag != "" && *passkeyFlag != "" {
		return usageError("give either -p or --token, not both")
	}
	files, err := fileutils.ExpandInputPath(*input)
	if err != nil {
		return usageError("%v", err)
	}
	if *outputDir == "" {
		*outputDir = a.cfg.OutputDir
	}

	var (
		passkey []byte
		claims  *tokens.Claims
	)
	switch {
	case *tokenFlag != "":
		secret, err := a.tokenSecret()
		if err != nil {
			return err
		}
		if claims, err = tokens.Verify(secret, *tokenFlag); err != nil {
			return err
		}
		passkey = []byte(claims.Seed)
	case *passkeyFlag != "":
		passkey = []byte(*passkeyFlag)
	default:
		if passkey, err = a.readPasskey("Enter passkey: "); err != nil {
			return err
		}
	}
	defer cryptoutils.ZeroBytes(passkey)

	opts := engine.UnmaskOptions{
		Passkey:   passkey,
		ChunkSize: a.cfg.ChunkSize,
		Logger:    a.logger.With("command", "unmask"),
	}

	var failed []error
	for _, file := range files {
		if claims != nil && filepath.Base(file) != engine.MaskFilename(claims.Payload) {
			a.logger.Warn("token was issued for another mask", "container", file, "mask", claims.Payload)
		}

		progress := a.newProgressLine()
		path, result, err := fileutils.UnmaskFile(file, *outputDir, opts, progress.Update)
		progress.Done()
		if err != nil {
			if len(files) > 1 {
				fmt.Fprintln(a.stderr, errorStyle.Render("Failed"), err)
			}
			failed = append(failed, err)
			continue
		}

		fmt.Fprintln(a.stdout, successStyle.Render("Restored"), path, labelStyle.Render("("+formatBytes(int64(len(result.Payload)))+")"))
		if result.FillerMismatches > 0 {
			fmt.Fprintln(a.stdout, warnStyle.Render(fmt.Sprintf("  %d filler weights were modified after forging", result.FillerMismatches)))
		}
	}

	switch {
	case len(failed) == 0:
		return nil
	case len(files) == 1:
		return failed[0]
	default:
		return fmt.Errorf("%d of %d containers could not be unmasked: %w", len(failed), len(files), errors.Join(failed...))
	}
}

func (a *app) inspect(args []string) error {
	fs, configPath, logLevel := a.flagSet("inspect")
	input := fs.StringP("input", "i", "", "Container file or wildcard pattern")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if err := a.setup(*configPath, *logLevel); err != nil {
		return err
	}
	if *input == "" && fs.NArg() == 1 {
		*input = fs.Arg(0)
	}
	if *input == "" {
		return usageError("inspect needs -i <container>")
	}

	files, err := fileutils.ExpandInputPath(*input)
	if err != nil {
		return usageError("%v", err)
	}

	var failed []error
	for _, file := range files {
		inspection, err := fileutils.InspectFile(file)
		if err != nil {
			if len(files) > 1 {
				fmt.Fprintln(a.stderr, errorStyle.Render("Invalid"), err)
			}
			failed = append(failed, err)
			continue
		}

		h := inspection.Header
		fmt.Fprintln(a.stdout, titleStyle.Render(inspection.Path))
		containerType := h.Type
		if containerType == "" {
			containerType = "(none)"
		}
		a.field("type", containerType)
		a.field("supported", yesNo(inspection.Supported))
		a.field("filename", h.Filename)
		a.field("payload", fmt.Sprintf("%d bytes (+%d checksum)", h.PayloadBytes, constants.ChecksumSize))
		if h.Compression != "" {
			a.field("compression", fmt.Sprintf("%s, %d bytes uncompressed", h.Compression, h.UncompressedBytes))
		}
		a.field("density", fmt.Sprintf("%v", h.Density))
		source := h.Source
		if source == "" {
			source = "synthetic"
		}
		a.field("source", source)
		a.field("weights", fmt.Sprintf("%d F32 (%s)", h.NumWeights, formatBytes(int64(h.WeightBytes()))))
		a.field("size", formatBytes(inspection.Size))
		a.field("blake3", inspection.WeightsBLAKE3)
	}

	if len(failed) > 0 {
		return errors.Join(failed...)
	}
	return nil
}

func (a *app) token(args []string) error {
	if len(args) < 1 {
		return usageError("token needs a subcommand: issue or verify")
	}

	fs, configPath, logLevel := a.flagSet("token " + args[0])
	switch args[0] {
	case "issue":
		mask := fs.StringP("mask", "m", "", "Mask name the token grants access to")
		ttl := fs.Duration("ttl", constants.DefaultTokenHours*time.Hour, "Token lifetime")
		if err := parseFlags(fs, args[1:]); err != nil {
			return err
		}
		if err := a.setup(*configPath, *logLevel); err != nil {
			return err
		}
		if *mask == "" {
			return usageError("token issue needs -m <mask name>")
		}
		lifetime := a.cfg.Tokens.TTL
		if fs.Changed("ttl") {
			lifetime = *ttl
		}

		secret, err := a.tokenSecret()
		if err != nil {
			return err
		}
		token, claims, err := tokens.Issue(secret, *mask, lifetime)
		if err != nil {
			return err
		}

		fmt.Fprintln(a.stdout, successStyle.Render("Token generated"))
		a.field("token", secretStyle.Render(token))
		a.printClaims(claims)
		return nil

	case "verify":
		tokenFlag := fs.StringP("token", "t", "", "Token to verify")
		if err := parseFlags(fs, args[1:]); err != nil {
			return err
		}
		if err := a.setup(*configPath, *logLevel); err != nil {
			return err
		}
		if *tokenFlag == "" && fs.NArg() == 1 {
			*tokenFlag = fs.Arg(0)
		}
		if *tokenFlag == "" {
			return usageError("token verify needs a token")
		}

		secret, err := a.tokenSecret()
		if err != nil {
			return err
		}
		claims, err := tokens.Verify(secret, *tokenFlag)
		if err != nil {
			return err
		}

		fmt.Fprintln(a.stdout, successStyle.Render("Token valid"))
		a.printClaims(claims)
		return nil

	default:
		return usageError("unknown token subcommand %q", args[0])
	}
}

func (a *app) printClaims(claims *tokens.Claims) {
	a.field("mask", claims.Payload)
	a.field("container", engine.MaskFilename(claims.Payload))
	a.field("passkey", secretStyle.Render(claims.Seed))
	a.field("token id", claims.ID)
	a.field("expires", claims.Expires().UTC().Format(time.RFC3339))
}

func (a *app) tokenSecret() ([]byte, error) {
	secret := a.cfg.Tokens.MasterSecret
	if secret == "" {
		secret = os.Getenv(tokenSecretEnv)
	}
	if secret == "" {
		return nil, usageError("no token master secret; set tokens.master_secret in the config or $%s", tokenSecretEnv)
	}
	return []byte(secret), nil
}

func (a *app) field(name, value string) {
	fmt.Fprintf(a.stdout, "  %s %s\n", labelStyle.Render(fmt.Sprintf("%-12s", name)), value)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
