package types

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
)

// SGXExtensionOID is the OID of Intel's custom x509 SGX extension carried by PCK certificates.
var SGXExtensionOID = asn1.ObjectIdentifier{1, 2, 840, 113741, 1, 13, 1}

// OIDs of the members of the SGX extension.
var (
	oidPPID               = sgxOID(1)
	oidTCB                = sgxOID(2)
	oidPCESVN             = sgxOID(2, 17)
	oidCPUSVN             = sgxOID(2, 18)
	oidPCEID              = sgxOID(3)
	oidFMSPC              = sgxOID(4)
	oidSGXType            = sgxOID(5)
	oidPlatformInstanceID = sgxOID(6)
	oidConfiguration      = sgxOID(7)
	oidDynamicPlatform    = sgxOID(7, 1)
	oidCachedKeys         = sgxOID(7, 2)
	oidSMTEnabled         = sgxOID(7, 3)
)

func sgxOID(arcs ...int) asn1.ObjectIdentifier {
	oid := append(asn1.ObjectIdentifier{}, SGXExtensionOID...)
	return append(oid, arcs...)
}

// SGXExtensions are the x509 certificate extensions of a TDX PCK certificate.
type SGXExtensions struct {
	PPID               [16]byte
	TCB                PCKTCB
	PCEID              [2]byte
	FMSPC              [6]byte
	SGXType            int // 0 standard, 1 Scalable
	PlatformInstanceID [16]byte
	Configuration      PCKConfiguration
}

// PCKTCB describes the TCB of a TDX PCK certificate.
// They are part of the SGX extensions.
type PCKTCB struct {
	TCBSVN [16]int
	PCESVN uint32
	CPUSVN [16]byte
}

// PCKConfiguration describes the configuration of a TDX PCK certificate.
// They are part of the SGX extensions for multi user platforms.
type PCKConfiguration struct {
	DynamicPlatform bool
	CachedKeys      bool
	SMTEnabled      bool
}

// ParsePCKSGXExtensions parses the SGX extensions of a TDX PCK certificate.
func ParsePCKSGXExtensions(pckCert *x509.Certificate) (SGXExtensions, error) {
	var sgxExtension []byte
	for _, ext := range pckCert.Extensions {
		if ext.Id.Equal(SGXExtensionOID) {
			sgxExtension = ext.Value
			break
		}
	}
	if len(sgxExtension) == 0 {
		return SGXExtensions{}, errors.New("no SGX extension found in certificate")
	}

	var asn1Extensions asn1SGXExtensions
	if _, err := asn1.Unmarshal(sgxExtension, &asn1Extensions); err != nil {
		return SGXExtensions{}, fmt.Errorf("unmarshaling SGX extension: %w", err)
	}

	var ext SGXExtensions

	if len(asn1Extensions.PPID.Value) != 16 {
		return SGXExtensions{}, fmt.Errorf("invalid PPID length: %d", len(asn1Extensions.PPID.Value))
	}
	ext.PPID = [16]byte(asn1Extensions.PPID.Value)

	if len(asn1Extensions.PCEID.Value) != 2 {
		return SGXExtensions{}, fmt.Errorf("invalid PCEID length: %d", len(asn1Extensions.PCEID.Value))
	}
	ext.PCEID = [2]byte(asn1Extensions.PCEID.Value)

	ext.SGXType = int(asn1Extensions.SGXType.Value)

	if len(asn1Extensions.FMSPC.Value) != 6 {
		return SGXExtensions{}, fmt.Errorf("invalid FMSPC length: %d", len(asn1Extensions.FMSPC.Value))
	}
	ext.FMSPC = [6]byte(asn1Extensions.FMSPC.Value)

	// PlatformInstanceID is optional, but if present, must be 16 bytes.
	platformIDLen := len(asn1Extensions.PlatformInstanceID.Value)
	if platformIDLen > 0 {
		if platformIDLen != 16 {
			return SGXExtensions{}, fmt.Errorf("invalid PlatformInstanceID length: %d", platformIDLen)
		}
		ext.PlatformInstanceID = [16]byte(asn1Extensions.PlatformInstanceID.Value)
	}

	// Configuration is optional, but defaults to all false if not present.
	ext.Configuration.CachedKeys = asn1Extensions.Configuration.Configuration.CachedKeys.Value
	ext.Configuration.DynamicPlatform = asn1Extensions.Configuration.Configuration.DynamicPlatform.Value
	ext.Configuration.SMTEnabled = asn1Extensions.Configuration.Configuration.SMTEnabled.Value

	tcbInfo := &asn1Extensions.TCB.TCBInfo
	if len(tcbInfo.CPUSVN.Value) != 16 {
		return SGXExtensions{}, fmt.Errorf("invalid CPUSVN length: %d", len(tcbInfo.CPUSVN.Value))
	}
	ext.TCB.CPUSVN = [16]byte(tcbInfo.CPUSVN.Value)
	if tcbInfo.PCESVN.Value < 0 {
		return SGXExtensions{}, fmt.Errorf("invalid PCESVN: %d", tcbInfo.PCESVN.Value)
	}
	ext.TCB.PCESVN = uint32(tcbInfo.PCESVN.Value)
	for i, comp := range tcbInfo.components() {
		ext.TCB.TCBSVN[i] = comp.Value
	}

	return ext, nil
}

// MarshalExtension encodes the SGX extensions as the x509 extension found in PCK certificates.
func (e SGXExtensions) MarshalExtension() (pkix.Extension, error) {
	var tcbInfo asn1TCBInfo
	for i, comp := range tcbInfo.components() {
		*comp = asn1Integer{Oid: sgxOID(2, i+1), Value: e.TCB.TCBSVN[i]}
	}
	tcbInfo.PCESVN = asn1Integer{Oid: oidPCESVN, Value: int(e.TCB.PCESVN)}
	tcbInfo.CPUSVN = asn1OctetString{Oid: oidCPUSVN, Value: e.TCB.CPUSVN[:]}

	ext := asn1SGXExtensions{
		PPID:    asn1OctetString{Oid: oidPPID, Value: e.PPID[:]},
		TCB:     asn1TCB{TCBOid: oidTCB, TCBInfo: tcbInfo},
		PCEID:   asn1OctetString{Oid: oidPCEID, Value: e.PCEID[:]},
		FMSPC:   asn1OctetString{Oid: oidFMSPC, Value: e.FMSPC[:]},
		SGXType: asn1Enumerated{Oid: oidSGXType, Value: asn1.Enumerated(e.SGXType)},
	}
	if e.PlatformInstanceID != [16]byte{} {
		ext.PlatformInstanceID = asn1OctetString{Oid: oidPlatformInstanceID, Value: e.PlatformInstanceID[:]}
		ext.Configuration = asn1Configuration{
			ConfigurationOid: oidConfiguration,
			Configuration: asn1ConfigurationOptions{
				DynamicPlatform: asn1Boolean{Oid: oidDynamicPlatform, Value: e.Configuration.DynamicPlatform},
				CachedKeys:      asn1Boolean{Oid: oidCachedKeys, Value: e.Configuration.CachedKeys},
				SMTEnabled:      asn1Boolean{Oid: oidSMTEnabled, Value: e.Configuration.SMTEnabled},
			},
		}
	}

	value, err := asn1.Marshal(ext)
	if err != nil {
		return pkix.Extension{}, fmt.Errorf("marshaling SGX extension: %w", err)
	}
	return pkix.Extension{Id: SGXExtensionOID, Value: value}, nil
}

// asn1SGXExtensions holds the ASN.1 encoded SGX extensions of a TDX PCK cert.
type asn1SGXExtensions struct {
	PPID               asn1OctetString
	TCB                asn1TCB
	PCEID              asn1OctetString
	FMSPC              asn1OctetString
	SGXType            asn1Enumerated
	PlatformInstanceID asn1OctetString   `asn1:"optional"`
	Configuration      asn1Configuration `asn1:"optional"`
}

type asn1TCB struct {
	TCBOid  asn1.ObjectIdentifier
	TCBInfo asn1TCBInfo
}

type asn1TCBInfo struct {
	Comp01SVN asn1Integer
	Comp02SVN asn1Integer
	Comp03SVN asn1Integer
	Comp04SVN asn1Integer
	Comp05SVN asn1Integer
	Comp06SVN asn1Integer
	Comp07SVN asn1Integer
	Comp08SVN asn1Integer
	Comp09SVN asn1Integer
	Comp10SVN asn1Integer
	Comp11SVN asn1Integer
	Comp12SVN asn1Integer
	Comp13SVN asn1Integer
	Comp14SVN asn1Integer
	Comp15SVN asn1Integer
	Comp16SVN asn1Integer
	PCESVN    asn1Integer
	CPUSVN    asn1OctetString
}

// components returns the 16 SGX TCB component SVNs in order.
func (t *asn1TCBInfo) components() [16]*asn1Integer {
	return [16]*asn1Integer{
		&t.Comp01SVN, &t.Comp02SVN, &t.Comp03SVN, &t.Comp04SVN,
		&t.Comp05SVN, &t.Comp06SVN, &t.Comp07SVN, &t.Comp08SVN,
		&t.Comp09SVN, &t.Comp10SVN, &t.Comp11SVN, &t.Comp12SVN,
		&t.Comp13SVN, &t.Comp14SVN, &t.Comp15SVN, &t.Comp16SVN,
	}
}

type asn1Configuration struct {
	ConfigurationOid asn1.ObjectIdentifier
	Configuration    asn1ConfigurationOptions
}

type asn1ConfigurationOptions struct {
	DynamicPlatform asn1Boolean `asn1:"optional"`
	CachedKeys      asn1Boolean `asn1:"optional"`
	SMTEnabled      asn1Boolean `asn1:"optional"`
}

type asn1OctetString struct {
	Oid   asn1.ObjectIdentifier
	Value []byte
}

type asn1Integer struct {
	Oid   asn1.ObjectIdentifier
	Value int
}

type asn1Boolean struct {
	Oid   asn1.ObjectIdentifier
	Value bool
}

type asn1Enumerated struct {
	Oid   asn1.ObjectIdentifier
	Value asn1.Enumerated
}
