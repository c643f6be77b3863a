package ratchet

import (
	"crypto/sha512"
	"fmt"

	"filippo.io/edwards25519"
	"filippo.io/edwards25519/field"
)

// hash1Prefix domain-separates the nonce hash from a plain EdDSA signature
// over the same scalar, per the XEdDSA construction (signal.org/docs/
// specifications/xeddsa): 32 bytes of 0xFE can never be a valid clamped
// X25519 scalar prefix, so this hash can't collide with hash2's input.
var hash1Prefix = func() [32]byte {
	var p [32]byte
	for i := range p {
		p[i] = 0xFE
	}
	return p
}()

// XEdDSASign produces a 64-byte Ed25519-style signature over msg using the
// X25519 private scalar priv. random MUST be cryptographically random and
// unique per call; it is folded into the nonce derivation alongside the
// message so a broken RNG degrades to (at worst) deterministic-but-safe
// nonces rather than catastrophic key leakage.
func XEdDSASign(priv [32]byte, msg []byte, random [64]byte) ([64]byte, error) {
	var sig [64]byte

	clamped := priv
	clamped[0] &= 248
	clamped[31] &= 127
	clamped[31] |= 64

	a, err := edwards25519.NewScalar().SetBytesWithClamping(clamped[:])
	if err != nil {
		return sig, fmt.Errorf("xeddsa sign: %s", err)
	}

	A := edwards25519.NewIdentityPoint().ScalarBaseMult(a)
	aEnc := A.Bytes()
	if aEnc[31]>>7 == 1 {
		a = edwards25519.NewScalar().Negate(a)
		A = edwards25519.NewIdentityPoint().ScalarBaseMult(a)
		aEnc = A.Bytes()
	}

	nonceDigest := sha512.New()
	nonceDigest.Write(hash1Prefix[:])
	nonceDigest.Write(a.Bytes())
	nonceDigest.Write(msg)
	nonceDigest.Write(random[:])
	r, err := edwards25519.NewScalar().SetUniformBytes(nonceDigest.Sum(nil))
	if err != nil {
		return sig, fmt.Errorf("xeddsa sign: %s", err)
	}

	R := edwards25519.NewIdentityPoint().ScalarBaseMult(r)
	rEnc := R.Bytes()

	challengeDigest := sha512.New()
	challengeDigest.Write(rEnc)
	challengeDigest.Write(aEnc)
	challengeDigest.Write(msg)
	h, err := edwards25519.NewScalar().SetUniformBytes(challengeDigest.Sum(nil))
	if err != nil {
		return sig, fmt.Errorf("xeddsa sign: %s", err)
	}

	s := edwards25519.NewScalar().MultiplyAdd(h, a, r)

	copy(sig[:32], rEnc)
	copy(sig[32:], s.Bytes())
	return sig, nil
}

// XEdDSAVerify checks a signature produced by XEdDSASign against the X25519
// public key pub (the Montgomery-u value, 0x05-prefixed as on the wire).
//
// skipVerification short-circuits to true and exists ONLY for test harnesses
// that need to exercise the handshake without a real signature; it must
// never be set outside tests. See SessionBuilder.SkipSignatureVerification.
func XEdDSAVerify(pub PublicKey, msg []byte, sig [64]byte, skipVerification bool) bool {
	if skipVerification {
		return true
	}

	A, err := montgomeryToEdwards(pub.Raw())
	if err != nil {
		return false
	}
	aEnc := A.Bytes()

	R, err := edwards25519.NewIdentityPoint().SetBytes(sig[:32])
	if err != nil {
		return false
	}
	s, err := edwards25519.NewScalar().SetCanonicalBytes(sig[32:])
	if err != nil {
		return false
	}

	challengeDigest := sha512.New()
	challengeDigest.Write(sig[:32])
	challengeDigest.Write(aEnc)
	challengeDigest.Write(msg)
	h, err := edwards25519.NewScalar().SetUniformBytes(challengeDigest.Sum(nil))
	if err != nil {
		return false
	}

	sB := edwards25519.NewIdentityPoint().ScalarBaseMult(s)
	hA := edwards25519.NewIdentityPoint().ScalarMult(h, A)
	rhs := edwards25519.NewIdentityPoint().Add(R, hA)

	return sB.Equal(rhs) == 1
}

// montgomeryToEdwards converts a Curve25519 Montgomery u-coordinate to the
// birationally equivalent Edwards point with sign bit 0, via
// y = (u - 1) / (u + 1) mod p.
func montgomeryToEdwards(u [32]byte) (*edwards25519.Point, error) {
	uClamped := u
	uClamped[31] &= 0x7f // u is always < 2^255; clear any stray high bit before field reduction.

	uElem, err := new(field.Element).SetBytes(uClamped[:])
	if err != nil {
		return nil, fmt.Errorf("montgomery->edwards: %s", err)
	}

	one := new(field.Element).One()
	num := new(field.Element).Subtract(uElem, one)
	den := new(field.Element).Add(uElem, one)
	denInv := new(field.Element).Invert(den)
	y := new(field.Element).Multiply(num, denInv)

	yEnc := y.Bytes()
	yEnc[31] &= 0x7f // sign bit 0, per the XEdDSA convention used on the signing side.

	return edwards25519.NewIdentityPoint().SetBytes(yEnc)
}
