package transport

import (
	"crypto"
	"crypto/rand"
	"fmt"
	"io"
	"math/big"

	"github.com/danmuck/edgessh/internal/protocol/wire"
)

// Oakley groups from RFC 2409 section 6.2 and RFC 3526 sections 3 and 5.
const (
	oakleyGroup2Hex = "" +
		"FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74" +
		"020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F1437" +
		"4FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7ED" +
		"EE386BFB5A899FA5AE9F24117C4B1FE649286651ECE65381FFFFFFFFFFFFFFFF"
	oakleyGroup14Hex = "" +
		"FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74" +
		"020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F1437" +
		"4FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7ED" +
		"EE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3DC2007CB8A163BF05" +
		"98DA48361C55D39A69163FA8FD24CF5F83655D23DCA3AD961C62F356208552BB" +
		"9ED529077096966D670C354E4ABC9804F1746C08CA18217C32905E462E36CE3B" +
		"E39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9DE2BCBF695581718" +
		"3995497CEA956AE515D2261898FA051015728E5A8AACAA68FFFFFFFFFFFFFFFF"
	oakleyGroup16Hex = "" +
		"FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74" +
		"020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F1437" +
		"4FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7ED" +
		"EE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3DC2007CB8A163BF05" +
		"98DA48361C55D39A69163FA8FD24CF5F83655D23DCA3AD961C62F356208552BB" +
		"9ED529077096966D670C354E4ABC9804F1746C08CA18217C32905E462E36CE3B" +
		"E39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9DE2BCBF695581718" +
		"3995497CEA956AE515D2261898FA051015728E5A8AAAC42DAD33170D04507A33" +
		"A85521ABDF1CBA64ECFB850458DBEF0A8AEA71575D060C7DB3970F85A6E1E4C7" +
		"ABF5AE8CDB0933D71E8C94E04A25619DCEE3D2261AD2EE6BF12FFA06D98A0864" +
		"D87602733EC86A64521F2B18177B200CBBE117577A615D6C770988C0BAD946E2" +
		"08E24FA074E5AB3143DB5BFCE0FD108E4B82D120A92108011A723C12A787E6D7" +
		"88719A10BDBA5B2699C327186AF4E23C1A946834B6150BDA2583E9CA2AD44CE8" +
		"DBBBC2DB04DE8EF92E8EFC141FBECAA6287C59474E6BC05D99B2964FA090C3A2" +
		"233BA186515BE7ED1F612970CEE2D7AFB81BDD762170481CD0069127D5B05AA9" +
		"93B4EA988D8FDDC186FFB7DC90A6C08F4DF435C934063199FFFFFFFFFFFFFFFF"
)

type dhGroup struct {
	g, p, pMinus1 *big.Int
}

func newDHGroup(hex string) *dhGroup {
	p, ok := new(big.Int).SetString(hex, 16)
	if !ok {
		panic("transport: bad dh prime")
	}
	return &dhGroup{
		g:       big.NewInt(2),
		p:       p,
		pMinus1: new(big.Int).Sub(p, big.NewInt(1)),
	}
}

var (
	dhGroup1  = newDHGroup(oakleyGroup2Hex)
	dhGroup14 = newDHGroup(oakleyGroup14Hex)
	dhGroup16 = newDHGroup(oakleyGroup16Hex)
)

type kexAlgorithm struct {
	group *dhGroup
	hash  crypto.Hash
}

var kexAlgorithms = map[string]kexAlgorithm{
	"diffie-hellman-group16-sha512": {group: dhGroup16, hash: crypto.SHA512},
	"diffie-hellman-group14-sha256": {group: dhGroup14, hash: crypto.SHA256},
	"diffie-hellman-group14-sha1":   {group: dhGroup14, hash: crypto.SHA1},
	"diffie-hellman-group1-sha1":    {group: dhGroup1, hash: crypto.SHA1},
}

// privateExponent draws x uniformly from [1, 2^(16*keyLen)), capped below
// the group order.
func (g *dhGroup) privateExponent(rnd io.Reader, keyLen int) (*big.Int, error) {
	bits := 16 * keyLen
	if limit := g.p.BitLen() - 1; bits > limit {
		bits = limit
	}
	upper := new(big.Int).Lsh(big.NewInt(1), uint(bits))
	upper.Sub(upper, big.NewInt(1))
	x, err := rand.Int(rnd, upper)
	if err != nil {
		return nil, fmt.Errorf("transport: dh exponent: %w", err)
	}
	return x.Add(x, big.NewInt(1)), nil
}

func (g *dhGroup) public(x *big.Int) *big.Int {
	return new(big.Int).Exp(g.g, x, g.p)
}

// shared validates the peer value and returns f^x mod p.
func (g *dhGroup) shared(f, x *big.Int) (*big.Int, error) {
	if f.Cmp(big.NewInt(1)) <= 0 || f.Cmp(g.pMinus1) >= 0 {
		return nil, ErrInvalidDHValue
	}
	return new(big.Int).Exp(f, x, g.p), nil
}

// handshakeTranscript carries the inputs to the exchange hash.
type handshakeTranscript struct {
	clientVersion []byte
	serverVersion []byte
	clientKexInit []byte
	serverKexInit []byte
	hostKey       []byte
	e, f, k       *big.Int
}

func (t *handshakeTranscript) exchangeHash(h crypto.Hash) []byte {
	w := h.New()
	var b []byte
	b = wire.AppendString(b, t.clientVersion)
	b = wire.AppendString(b, t.serverVersion)
	b = wire.AppendString(b, t.clientKexInit)
	b = wire.AppendString(b, t.serverKexInit)
	b = wire.AppendString(b, t.hostKey)
	b = wire.AppendMPInt(b, t.e)
	b = wire.AppendMPInt(b, t.f)
	b = wire.AppendMPInt(b, t.k)
	w.Write(b)
	return w.Sum(nil)
}

// deriveKey implements RFC 4253 section 7.2 for one letter tag. k is the
// shared secret already encoded as an mpint.
func deriveKey(h crypto.Hash, k, exchangeHash []byte, tag byte, sessionID []byte, size int) []byte {
	out := make([]byte, 0, size+h.Size())
	w := h.New()
	w.Write(k)
	w.Write(exchangeHash)
	w.Write([]byte{tag})
	w.Write(sessionID)
	out = w.Sum(out)
	for len(out) < size {
		w.Reset()
		w.Write(k)
		w.Write(exchangeHash)
		w.Write(out)
		out = w.Sum(out)
	}
	return out[:size]
}

// keyMaterial holds the six derived values for one key exchange.
type keyMaterial struct {
	ivCS, ivSC   []byte
	keyCS, keySC []byte
	macCS, macSC []byte
}

func deriveKeys(h crypto.Hash, n Negotiated, k *big.Int, exchangeHash, sessionID []byte) keyMaterial {
	kEnc := wire.AppendMPInt(nil, k)
	sizes := func(cipherName, macName string) (iv, key, mac int) {
		if c := cipherModes[cipherName]; c != nil {
			iv, key = c.ivSize, c.keySize
		}
		if m := macModes[macName]; m != nil {
			mac = m.keySize
		}
		return iv, key, mac
	}
	ivCS, keyCS, macCS := sizes(n.CipherCS, n.MACCS)
	ivSC, keySC, macSC := sizes(n.CipherSC, n.MACSC)
	return keyMaterial{
		ivCS:  deriveKey(h, kEnc, exchangeHash, 'A', sessionID, ivCS),
		ivSC:  deriveKey(h, kEnc, exchangeHash, 'B', sessionID, ivSC),
		keyCS: deriveKey(h, kEnc, exchangeHash, 'C', sessionID, keyCS),
		keySC: deriveKey(h, kEnc, exchangeHash, 'D', sessionID, keySC),
		macCS: deriveKey(h, kEnc, exchangeHash, 'E', sessionID, macCS),
		macSC: deriveKey(h, kEnc, exchangeHash, 'F', sessionID, macSC),
	}
}

type kexDHReply struct {
	hostKey   []byte
	f         *big.Int
	signature []byte
}

func parseKexDHReply(payload []byte) (*kexDHReply, error) {
	r := wire.NewReader(payload)
	typ, err := r.Byte()
	if err != nil {
		return nil, err
	}
	if typ != MsgKexDHReply {
		return nil, &UnexpectedMessageError{Want: MsgKexDHReply, Got: typ}
	}
	reply := &kexDHReply{}
	if reply.hostKey, err = r.String(); err != nil {
		return nil, fmt.Errorf("transport: kexdh reply host key: %w", err)
	}
	if reply.f, err = r.MPInt(); err != nil {
		return nil, fmt.Errorf("transport: kexdh reply f: %w", err)
	}
	if reply.signature, err = r.String(); err != nil {
		return nil, fmt.Errorf("transport: kexdh reply signature: %w", err)
	}
	return reply, nil
}
