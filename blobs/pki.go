package blobs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"

	"github.com/edgelesssys/go-tdx-evidence/verification/crypto"
	"github.com/edgelesssys/go-tdx-evidence/verification/types"
)

// PKI is a certificate hierarchy shaped like Intel's SGX/TDX hierarchy.
type PKI struct {
	RootKey        *ecdsa.PrivateKey
	Root           *x509.Certificate
	PCKCAKey       *ecdsa.PrivateKey
	PCKCA          *x509.Certificate
	TCBSigningKey  *ecdsa.PrivateKey
	TCBSigning     *x509.Certificate
	PCKKey         *ecdsa.PrivateKey
	PCK            *x509.Certificate
	RootCACRL      []byte // DER
	PCKCRL         []byte // DER
	PCKExtensions  types.SGXExtensions
	certNotBefore  time.Time
	certNotAfter   time.Time
	crlThisUpdate  time.Time
	crlNextUpdate  time.Time
	revokedByRoot  []*big.Int
	revokedByPCKCA []*big.Int
}

// Serial numbers of the generated certificates.
const (
	rootSerial = iota + 1
	pckCASerial
	tcbSigningSerial
	pckSerial
)

// NewPKI generates a fresh hierarchy valid around now.
// The PCK certificate carries the given SGX extensions.
func NewPKI(now time.Time, ext types.SGXExtensions, revokePCKCA, revokePCK bool) (*PKI, error) {
	p := &PKI{
		PCKExtensions: ext,
		certNotBefore: now.Add(-365 * 24 * time.Hour),
		certNotAfter:  now.Add(10 * 365 * 24 * time.Hour),
		crlThisUpdate: now.Add(-time.Hour),
		crlNextUpdate: now.Add(CollateralLifetime),
	}
	if revokePCKCA {
		p.revokedByRoot = append(p.revokedByRoot, big.NewInt(pckCASerial))
	}
	if revokePCK {
		p.revokedByPCKCA = append(p.revokedByPCKCA, big.NewInt(pckSerial))
	}

	var err error
	if p.RootKey, p.Root, err = p.newCert(rootSerial, "Intel SGX Root CA", true, nil, nil, nil); err != nil {
		return nil, fmt.Errorf("creating root CA: %w", err)
	}
	if p.PCKCAKey, p.PCKCA, err = p.newCert(pckCASerial, types.PlatformIssuer, true, p.Root, p.RootKey, nil); err != nil {
		return nil, fmt.Errorf("creating PCK CA: %w", err)
	}
	if p.TCBSigningKey, p.TCBSigning, err = p.newCert(tcbSigningSerial, "Intel SGX TCB Signing", false, p.Root, p.RootKey, nil); err != nil {
		return nil, fmt.Errorf("creating TCB signing certificate: %w", err)
	}

	sgxExtension, err := ext.MarshalExtension()
	if err != nil {
		return nil, err
	}
	if p.PCKKey, p.PCK, err = p.newCert(pckSerial, "Intel SGX PCK Certificate", false, p.PCKCA, p.PCKCAKey, []pkix.Extension{sgxExtension}); err != nil {
		return nil, fmt.Errorf("creating PCK certificate: %w", err)
	}

	if p.RootCACRL, err = p.newCRL(p.Root, p.RootKey, p.revokedByRoot); err != nil {
		return nil, fmt.Errorf("creating root CA CRL: %w", err)
	}
	if p.PCKCRL, err = p.newCRL(p.PCKCA, p.PCKCAKey, p.revokedByPCKCA); err != nil {
		return nil, fmt.Errorf("creating PCK CRL: %w", err)
	}
	return p, nil
}

// PCKCertChainPEM returns the PCK certificate chain as embedded in a quote: PCK, PCK CA, root, and a \0 terminator.
func (p *PKI) PCKCertChainPEM() []byte {
	return append(crypto.EncodePEMCertificateChain(p.PCK, p.PCKCA, p.Root), 0x00)
}

// PCKCRLIssuerChainPEM returns the issuer chain of the PCK CRL.
func (p *PKI) PCKCRLIssuerChainPEM() []byte {
	return crypto.EncodePEMCertificateChain(p.PCKCA, p.Root)
}

// TCBSigningChainPEM returns the issuer chain of TCB Info and QE Identity.
func (p *PKI) TCBSigningChainPEM() []byte {
	return crypto.EncodePEMCertificateChain(p.TCBSigning, p.Root)
}

func (p *PKI) newCert(serial int64, commonName string, isCA bool, parent *x509.Certificate, parentKey *ecdsa.PrivateKey, extensions []pkix.Extension,
) (*ecdsa.PrivateKey, *x509.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject: pkix.Name{
			CommonName:   commonName,
			Organization: []string{"Intel Corporation"},
			Locality:     []string{"Santa Clara"},
			Province:     []string{"CA"},
			Country:      []string{"US"},
		},
		NotBefore:             p.certNotBefore,
		NotAfter:              p.certNotAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		ExtraExtensions:       extensions,
	}
	if isCA {
		template.IsCA = true
		template.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign
	}

	// self-signed if there is no parent
	if parent == nil {
		parent, parentKey = template, key
	}
	der, err := x509.CreateCertificate(rand.Reader, template, parent, &key.PublicKey, parentKey)
	if err != nil {
		return nil, nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, err
	}
	return key, cert, nil
}

func (p *PKI) newCRL(issuer *x509.Certificate, issuerKey *ecdsa.PrivateKey, revoked []*big.Int) ([]byte, error) {
	template := &x509.RevocationList{
		Number:     big.NewInt(1),
		ThisUpdate: p.crlThisUpdate,
		NextUpdate: p.crlNextUpdate,
	}
	for _, serial := range revoked {
		template.RevokedCertificateEntries = append(template.RevokedCertificateEntries, x509.RevocationListEntry{
			SerialNumber:   serial,
			RevocationTime: p.crlThisUpdate,
		})
	}
	return x509.CreateRevocationList(rand.Reader, template, issuer, issuerKey)
}
