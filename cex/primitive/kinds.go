package primitive

// BlockCipherKind identifies a block cipher engine.
type BlockCipherKind uint8

const (
	BlockNone BlockCipherKind = iota
	Rijndael
	Twofish
	Blowfish
)

func (k BlockCipherKind) String() string {
	switch k {
	case Rijndael:
		return "RIJNDAEL"
	case Twofish:
		return "TWOFISH"
	case Blowfish:
		return "BLOWFISH"
	default:
		return "UNKNOWN"
	}
}

// StreamCipherKind identifies a stream cipher engine.
type StreamCipherKind uint8

const (
	StreamNone StreamCipherKind = iota
	ChaCha20
	XChaCha20
)

func (k StreamCipherKind) String() string {
	switch k {
	case ChaCha20:
		return "CHACHA20"
	case XChaCha20:
		return "XCHACHA20"
	default:
		return "UNKNOWN"
	}
}

// DigestKind identifies a message digest.
type DigestKind uint8

const (
	DigestNone DigestKind = iota
	SHA256
	SHA512
	Keccak256
	Keccak512
	Blake2b256
	Blake2b512
)

func (k DigestKind) String() string {
	switch k {
	case SHA256:
		return "SHA256"
	case SHA512:
		return "SHA512"
	case Keccak256:
		return "KECCAK256"
	case Keccak512:
		return "KECCAK512"
	case Blake2b256:
		return "BLAKE2B256"
	case Blake2b512:
		return "BLAKE2B512"
	default:
		return "UNKNOWN"
	}
}

// MacKind identifies a message authentication code.
type MacKind uint8

const (
	MacNone MacKind = iota
	HMAC
	Blake2bMAC
)

func (k MacKind) String() string {
	switch k {
	case HMAC:
		return "HMAC"
	case Blake2bMAC:
		return "BLAKE2BMAC"
	default:
		return "UNKNOWN"
	}
}

// PrngKind identifies a pseudo random generator.
type PrngKind uint8

const (
	PrngNone PrngKind = iota
	CSPRng
	CTRDrbg
	DigestDrbg
)

func (k PrngKind) String() string {
	switch k {
	case CSPRng:
		return "CSPRNG"
	case CTRDrbg:
		return "CTRDRBG"
	case DigestDrbg:
		return "DIGESTDRBG"
	default:
		return "UNKNOWN"
	}
}

// CipherMode identifies a block cipher mode of operation.
type CipherMode uint8

const (
	ModeNone CipherMode = iota
	CTR
	CBC
	CFB
	OFB
)

func (m CipherMode) String() string {
	switch m {
	case CTR:
		return "CTR"
	case CBC:
		return "CBC"
	case CFB:
		return "CFB"
	case OFB:
		return "OFB"
	default:
		return "UNKNOWN"
	}
}

// PaddingMode identifies a block padding scheme.
type PaddingMode uint8

const (
	PaddingNone PaddingMode = iota
	PKCS7
	X923
	ISO7816
	TBC
)

func (p PaddingMode) String() string {
	switch p {
	case PaddingNone:
		return "NONE"
	case PKCS7:
		return "PKCS7"
	case X923:
		return "X923"
	case ISO7816:
		return "ISO7816"
	case TBC:
		return "TBC"
	default:
		return "UNKNOWN"
	}
}
