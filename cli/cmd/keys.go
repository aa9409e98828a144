package cmd

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/cairn/cli/render"
	"github.com/pithecene-io/cairn/signature"
	"github.com/pithecene-io/cairn/transport/httpapi"
	"github.com/pithecene-io/cairn/validator"
)

// KeyPair is the response for the keygen command.
type KeyPair struct {
	Writer     string `json:"writer" yaml:"writer"`
	PrivateKey string `json:"private_key,omitempty" yaml:"private_key,omitempty"`
	KeyFile    string `json:"key_file,omitempty" yaml:"key_file,omitempty"`
}

// KeygenCommand returns the keygen command.
func KeygenCommand() *cli.Command {
	return &cli.Command{
		Name:  "keygen",
		Usage: "Generate an ed25519 writer key pair",
		Flags: append(OutputFlags(),
			&cli.StringFlag{
				Name:  "out",
				Usage: "Write the private key seed to this file (0600) instead of printing it",
			},
		),
		Action: keygenAction,
	}
}

func keygenAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	writer, priv, err := signature.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	seed := signature.EncodePrivateKey(priv)

	resp := KeyPair{Writer: writer}
	if out := c.String("out"); out != "" {
		if err := os.WriteFile(out, []byte(seed+"\n"), 0o600); err != nil {
			return fmt.Errorf("write key file: %w", err)
		}
		resp.KeyFile = out
	} else {
		resp.PrivateKey = seed
	}
	return r.Render(resp)
}

// SignCommand returns the sign command. Its output is a ready-to-send
// POST /v1/intentions body.
func SignCommand() *cli.Command {
	return &cli.Command{
		Name:  "sign",
		Usage: "Sign an intention and print the submission body",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "key",
				Usage:   "Hex-encoded private key seed",
				EnvVars: []string{"CAIRN_WRITER_KEY"},
			},
			&cli.StringFlag{
				Name:  "key-file",
				Usage: "File holding the hex-encoded private key seed",
			},
			&cli.Uint64Flag{
				Name:     "nonce",
				Usage:    "Writer nonce (the first valid nonce is 1)",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "payload",
				Usage:    "Intention payload as JSON",
				Required: true,
			},
		},
		Action: signAction,
	}
}

func signAction(c *cli.Context) error {
	seed, err := readKey(c.String("key"), c.String("key-file"))
	if err != nil {
		return cli.Exit(err.Error(), ExitError)
	}
	req, err := signRequest(seed, c.Uint64("nonce"), c.String("payload"))
	if err != nil {
		return cli.Exit(err.Error(), ExitError)
	}

	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(req)
}

func readKey(key, keyFile string) (string, error) {
	switch {
	case key != "" && keyFile != "":
		return "", errors.New("set either --key or --key-file, not both")
	case key != "":
		return key, nil
	case keyFile != "":
		data, err := os.ReadFile(keyFile)
		if err != nil {
			return "", fmt.Errorf("read key file: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	default:
		return "", errors.New("a private key is required (--key, --key-file or CAIRN_WRITER_KEY)")
	}
}

// signRequest builds a signed submission body.
func signRequest(seed string, nonce uint64, payload string) (httpapi.SubmitRequest, error) {
	priv, err := signature.ParsePrivateKey(seed)
	if err != nil {
		return httpapi.SubmitRequest{}, err
	}
	if nonce == 0 || nonce > validator.MaxNonce {
		return httpapi.SubmitRequest{}, fmt.Errorf("nonce must be between 1 and %d", uint64(validator.MaxNonce))
	}
	if !json.Valid([]byte(payload)) {
		return httpapi.SubmitRequest{}, errors.New("payload must be valid JSON")
	}
	writer, sig, err := signature.SignIntention(priv, nonce, []byte(payload))
	if err != nil {
		return httpapi.SubmitRequest{}, err
	}
	return httpapi.SubmitRequest{
		Writer:    writer,
		Nonce:     nonce,
		Payload:   json.RawMessage(payload),
		Signature: hex.EncodeToString(sig),
	}, nil
}
