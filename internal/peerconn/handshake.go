package peerconn

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/prxssh/dchub/internal/identity"
	"github.com/prxssh/dchub/internal/scheduler"
)

// handshakeADC runs CONNECT->SUPNICK->INF, validating the peer's CID and
// token per the dialect-A peer handshake. It does not check the peer's
// certificate keyprint.
func (c *Conn) handshakeADC(ctx context.Context) error {
	c.setState(StateSupNick)

	if err := c.writeADCLine("CSUP ADBASE ADTIGR"); err != nil {
		return err
	}

	ourInf := fmt.Sprintf("CINF ID%s TO%s", c.cfg.OwnCID.String(), string(c.cfg.Token))
	if err := c.writeADCLine(ourInf); err != nil {
		return err
	}

	c.setState(StateInfLock)

	sawSup, sawInf := false, false
	for !sawInf {
		line, err := c.readADCLine()
		if err != nil {
			return err
		}
		fields := splitADCFields(line)
		if len(fields) == 0 {
			continue
		}
		head := fields[0]
		if len(head) < 4 {
			continue
		}
		switch head[1:4] {
		case "SUP":
			sawSup = true
		case "INF":
			if err := c.handlePeerINF(fields[1:]); err != nil {
				return err
			}
			sawInf = true
		}
	}
	_ = sawSup

	return nil
}

func (c *Conn) handlePeerINF(params []string) error {
	var tok string
	var cidStr string
	var tlsFlag bool
	for _, p := range params {
		if len(p) < 2 {
			continue
		}
		key, val := p[:2], unescapeADCParam(p[2:])
		switch key {
		case "ID":
			cidStr = val
		case "TO":
			tok = val
		case "TL":
			if val == "1" {
				tlsFlag = true
			}
		}
	}

	cid, err := identity.ParseCID(cidStr)
	if err != nil {
		return fmt.Errorf("peerconn: unknown peer CID: %w", err)
	}

	if c.cfg.RequireTLS && !c.cfg.TLS {
		return fmt.Errorf("peerconn: transfer requires TLS, socket is plain")
	}

	if c.hooks.ResolveToken != nil {
		cqi, ok := c.hooks.ResolveToken(scheduler.Token(tok))
		if !ok || cqi.CID != cid {
			return fmt.Errorf("peerconn: token %q does not match an outstanding CQI", tok)
		}
	}

	c.mut.Lock()
	c.peerCID = cid
	c.peerTLS = tlsFlag
	c.mut.Unlock()

	return nil
}

// handshakeNMDC runs MyNick/Lock -> Direction -> Key per the dialect-B peer
// handshake. The higher random direction number wins the download slot;
// ties disconnect (per spec, left to the caller: we surface an error).
func (c *Conn) handshakeNMDC(ctx context.Context) error {
	c.setState(StateSupNick)

	if err := c.writeNMDCLine(fmt.Sprintf("$MyNick %s", c.cfg.OwnNick)); err != nil {
		return err
	}
	lock := "EXTENDEDPROTOCOLABCABCABCABCABCABC"
	if err := c.writeNMDCLine(fmt.Sprintf("$Lock %s Pk=dchub", lock)); err != nil {
		return err
	}

	c.setState(StateInfLock)

	var peerNick string
	for peerNick == "" {
		line, err := c.readNMDCLine()
		if err != nil {
			return err
		}
		if strings.HasPrefix(line, "$MyNick ") {
			peerNick = strings.TrimPrefix(line, "$MyNick ")
		}
	}
	c.mut.Lock()
	c.peerNick = peerNick
	c.mut.Unlock()

	for {
		line, err := c.readNMDCLine()
		if err != nil {
			return err
		}
		if strings.HasPrefix(line, "$Lock ") {
			break
		}
	}

	c.setState(StateDirection)

	ourNum := randDirNum()
	c.ourDirNum = ourNum

	dir := "Upload"
	if err := c.writeNMDCLine(fmt.Sprintf("$Direction %s %d", dir, ourNum)); err != nil {
		return err
	}

	var peerDir string
	var peerNum int
	for peerDir == "" {
		line, err := c.readNMDCLine()
		if err != nil {
			return err
		}
		if strings.HasPrefix(line, "$Direction ") {
			fs := strings.Fields(strings.TrimPrefix(line, "$Direction "))
			if len(fs) == 2 {
				peerDir = fs[0]
				peerNum, _ = strconv.Atoi(fs[1])
			}
		}
	}

	if peerNum == ourNum {
		return fmt.Errorf("peerconn: direction number collision, must reconnect")
	}
	if peerNum > ourNum {
		c.mut.Lock()
		c.direction = DirectionUpload
		c.mut.Unlock()
	} else {
		c.mut.Lock()
		c.direction = DirectionDownload
		c.mut.Unlock()
	}

	c.setState(StateKey)

	key := nmdcLockToKeyPeer(lock)
	if err := c.writeNMDCLine(fmt.Sprintf("$Key %s", key)); err != nil {
		return err
	}

	for {
		line, err := c.readNMDCLine()
		if err != nil {
			return err
		}
		if strings.HasPrefix(line, "$Key ") {
			break
		}
	}

	return nil
}

func randDirNum() int {
	var b [2]byte
	_, _ = rand.Read(b[:])
	return int(binary.BigEndian.Uint16(b[:])) % 10000
}
