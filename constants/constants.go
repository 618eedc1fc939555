package constants

const (
	ContainerType    = "synapse_v2_bitset" // __metadata__.type, names the carrier selector
	TensorName       = "stealth_weights"
	TensorDType      = "F32"
	MaskPrefix       = "synapse_"
	MaskExtension    = ".safetensors"
	DefaultFilename  = "payload.bin"
	TextFilename     = "knowledge.txt"
	RestoredFilename = "restored_payload.bin"

	Precision     = 1_000_000  // fixed-point scale for parity embedding
	LCGMultiplier = 1664525    // Numerical Recipes LCG
	LCGIncrement  = 1013904223 // Numerical Recipes LCG

	SourceHost       = "host" // __metadata__.source for weights taken from a model tensor
	MaxHostMagnitude = 4.0    // host weights must stay below this for 1e-6 parity to survive float32

	WeightSpan   = 0.1  // synthesized weights cover [-WeightOffset, WeightSpan-WeightOffset)
	WeightOffset = 0.05 // synthesized weights cover [-WeightOffset, WeightSpan-WeightOffset)
	BytesPerF32  = 4

	ChecksumSize   = 4       // CRC-32 trailer, little-endian
	HeaderLenSize  = 8       // uint64 little-endian header length prefix
	HeaderAlign    = 8       // header is space padded to this boundary
	ChunkSize      = 1 << 20 // weights per streaming chunk (4 MiB of F32)
	MinWeights     = 10000
	BaseMultiplier = 10.0 // weights per bit at density 1.0
	MinMultiplier  = 2.0  // never fewer than two weights per bit
	DefaultDensity = 1.0

	MaxHeaderSize        = 100 << 20 // refuse absurd header lengths before allocating
	MaxUncompressedBytes = 1 << 30

	PasskeyLength     = 32 // length of generated passkeys
	MinPasskeyLength  = 8
	CharacterPool     = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	TokenPrefix       = "SYN-"
	DefaultTokenHours = 24
)

// HelpText is the full, formatted help for the CLI tool.
const HelpText = `
NAME
    synapse - hide a payload inside synthetic tensor weights and recover it with a passkey.

SYNOPSIS
    Forge:    synapse forge -i <payload> -m <mask name> [-o <dir>] [-p <passkey> | --token]
                            [--density <f>] [--compress <codec>] [--text]
                            [--host <model.safetensors> [--host-tensor <name>]]
    Unmask:   synapse unmask -i <container|pattern> [-o <dir>] [-p <passkey> | -t <token>]
    Inspect:  synapse inspect -i <container|pattern>
    Tokens:   synapse token issue -m <mask name> [--ttl <duration>]
              synapse token verify <token>

DESCRIPTION
    synapse writes a .safetensors container holding one F32 tensor. A passkey
    decides which weights carry payload bits; every other weight is ordinary
    filler. This is steganography, not encryption: anyone holding the passkey
    recovers the payload, and the weights themselves are not encrypted.

PARAMETERS
    -i, --input <path>
        Payload file (forge) or container file (unmask, inspect). Unmask
        accepts wildcard patterns.

    -m, --mask <name>
        Mask name. The container is written as synapse_<mask>.safetensors.

    -p, --passkey <passkey>
        Passkey. When forging without one, a strong random passkey is
        generated and printed. When unmasking without one, the passkey is
        read interactively so it does not end up in shell history.

    --density <f>
        Carrier density. 1.0 is standard (10 weights per bit), 0.5 is
        sparse (20 per bit), 2.0 is dense (5 per bit).

    --compress <none|zstd|lz4>
        Compress the payload before embedding.

    --text
        Record a payload without a filename as knowledge.txt.

    --host <model.safetensors>
        Hide the payload in an F32 tensor of an existing model instead of
        synthesized weights. The container holds that tensor's weights with
        the carriers adjusted; --density is ignored. Host weights must be
        finite and below 4 in magnitude.

    --host-tensor <name>
        Tensor to use from --host. Defaults to the largest F32 tensor.

    -t, --token <token>
        Signed SYN access token. With forge, --token generates the passkey
        inside a new token instead. Tokens are signed with the master
        secret from the config file or $SYNAPSE_TOKEN_SECRET.

    --ttl <duration>
        Lifetime of an issued token, e.g. 24h.

    --config <path>
        YAML configuration file. Defaults to $SYNAPSE_CONFIG.

    --log-level <debug|info|warn|error>
        Overrides log.level from the configuration file.

EXAMPLES
    # Forge with a generated passkey:
    synapse forge -i notes.txt -m "Llama Adapter" --text

    # Unmask (interactive passkey):
    synapse unmask -i synapse_llama_adapter.safetensors -o restored/

    # Hand out access as a token instead of a bare passkey:
    SYNAPSE_TOKEN_SECRET=... synapse forge -i notes.txt -m adapter --token
    SYNAPSE_TOKEN_SECRET=... synapse unmask -i synapse_adapter.safetensors -t SYN-...

EXIT STATUS
    0 on success, 1 when an operation fails, 2 on invalid usage.

`
