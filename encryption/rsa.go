package encryption

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"math/big"
)

// minModulusBits is the smallest RSA modulus accepted from an agent.
const minModulusBits = 1024

// ErrInvalidKeyFormat is returned when an agent posts asymmetric key material
// the server cannot parse or will not accept.
var ErrInvalidKeyFormat = errors.New("encryption: invalid key format")

// rsaKeyValue mirrors the .NET RSACryptoServiceProvider XML export format:
// <RSAKeyValue><Modulus>…</Modulus><Exponent>…</Exponent></RSAKeyValue>,
// both fields base64 big-endian.
type rsaKeyValue struct {
	XMLName  xml.Name `xml:"RSAKeyValue"`
	Modulus  string   `xml:"Modulus"`
	Exponent string   `xml:"Exponent"`
}

// RSAKeyFromXML parses a PowerShell-exported RSA public key. It rejects keys
// with a missing modulus or exponent and moduli below 1024 bits.
func RSAKeyFromXML(data string) (*rsa.PublicKey, error) {
	var kv rsaKeyValue
	if err := xml.Unmarshal([]byte(data), &kv); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyFormat, err)
	}
	if kv.Modulus == "" || kv.Exponent == "" {
		return nil, fmt.Errorf("%w: missing modulus or exponent", ErrInvalidKeyFormat)
	}

	modBytes, err := base64.StdEncoding.DecodeString(kv.Modulus)
	if err != nil {
		return nil, fmt.Errorf("%w: modulus: %v", ErrInvalidKeyFormat, err)
	}
	expBytes, err := base64.StdEncoding.DecodeString(kv.Exponent)
	if err != nil {
		return nil, fmt.Errorf("%w: exponent: %v", ErrInvalidKeyFormat, err)
	}

	n := new(big.Int).SetBytes(modBytes)
	if n.BitLen() < minModulusBits {
		return nil, fmt.Errorf("%w: modulus is %d bits", ErrInvalidKeyFormat, n.BitLen())
	}

	e := new(big.Int).SetBytes(expBytes)
	if !e.IsInt64() || e.Int64() < 3 {
		return nil, fmt.Errorf("%w: bad exponent", ErrInvalidKeyFormat)
	}

	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}

// RSAEncrypt seals plaintext with PKCS#1 v1.5, the scheme the agent's
// RSACryptoServiceProvider decrypts.
func RSAEncrypt(pub *rsa.PublicKey, plaintext []byte) ([]byte, error) {
	ct, err := rsa.EncryptPKCS1v15(rand.Reader, pub, plaintext)
	if err != nil {
		return nil, fmt.Errorf("rsa encrypt: %w", err)
	}
	return ct, nil
}
