/*
# TDX Attestation Data Types

This package contains data types and parsing functions used for TDX attestation:
the quote decoder ([ParseQuote]), the PCS collateral types ([Collateral], [TCBInfo], [QEIdentity]),
and the SGX extensions of PCK certificates ([ParsePCKSGXExtensions]).

Every binary structure is decoded through an explicit offset table (see layout.go).
The report body of a quote is a variant over report kinds ([ReportBody]).
Only the TD 1.0 report ([TD10Report]) is decoded, quotes carrying any other report kind
are rejected with [ErrUnsupportedReportVariant].

## Quote Format

Offsets of a v4 quote with a TD 1.0 body. A v5 quote inserts a 6 byte body descriptor
(body type, body size) after the header, which shifts everything behind it by 6 bytes.

	| offset | size     | field                                                       |
	|--------|----------|-------------------------------------------------------------|
	|      0 |       48 | QuoteHeader                                                 |
	|     48 |      584 | TD10Report                                                  |
	|    632 |        4 | SignatureLength                                             |
	|    636 | variable | ECDSA256QuoteAuthData                                       |

The signature data ([ECDSA256QuoteAuthData], parsed by parseSignature) starts at offset 636:

	| offset | size     | field                                                       |
	|--------|----------|-------------------------------------------------------------|
	|      0 |       64 | quote signature (r || s)                                    |
	|     64 |       64 | attestation public key (x || y)                             |
	|    128 |        2 | certification data type, must be 6                          |
	|    130 |        4 | certification data size                                     |
	|    134 | variable | QEReportCertificationData                                   |

[QEReportCertificationData] (parseQEReportCertificationData):

	| offset | size     | field                                                       |
	|--------|----------|-------------------------------------------------------------|
	|      0 |      384 | QE EnclaveReport                                            |
	|    384 |       64 | QE report signature, by the PCK key                         |
	|    448 |        2 | QE auth data size                                           |
	|    450 | variable | QE auth data                                                |
	|      … |        2 | inner certification data type, must be 5                    |
	|      … |        4 | inner certification data size                               |
	|      … | variable | PCK certificate chain, PEM encoded and \0 terminated        |
*/
package types
