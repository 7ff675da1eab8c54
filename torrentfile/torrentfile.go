package torrentfile

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/jackpal/bencode-go"
)

// DefaultPieceLength is used by Create when no piece length is given
const DefaultPieceLength = 256 * 1024

// TorrentFile encodes the metadata from a .torrent file
type TorrentFile struct {
	Announce    string
	InfoHash    [20]byte
	PieceHashes [][20]byte
	PieceLength int
	Length      int
	Name        string
}

type bencodeInfo struct {
	Pieces      string `bencode:"pieces"`
	PieceLength int    `bencode:"piece length"`
	Length      int    `bencode:"length"`
	Name        string `bencode:"name"`
}

type bencodeTorrent struct {
	Announce string      `bencode:"announce"`
	Info     bencodeInfo `bencode:"info"`
}

// Open parses a torrent file
func Open(path string) (TorrentFile, error) {
	file, err := os.Open(path)
	if err != nil {
		return TorrentFile{}, err
	}
	defer file.Close()
	return Parse(file)
}

// Parse reads bencoded metainfo from r
func Parse(r io.Reader) (TorrentFile, error) {
	bto := bencodeTorrent{}
	err := bencode.Unmarshal(r, &bto)
	if err != nil {
		return TorrentFile{}, err
	}
	return bto.toTorrentFile()
}

// Create builds the metainfo of content split into pieces of pieceLength
func Create(name string, content []byte, pieceLength int) (TorrentFile, error) {
	if pieceLength <= 0 {
		pieceLength = DefaultPieceLength
	}
	if len(content) == 0 {
		return TorrentFile{}, errors.New("cannot create torrent for empty content")
	}

	var pieces bytes.Buffer
	for begin := 0; begin < len(content); begin += pieceLength {
		end := begin + pieceLength
		if end > len(content) {
			end = len(content)
		}
		h := sha1.Sum(content[begin:end])
		pieces.Write(h[:])
	}

	bto := bencodeTorrent{
		Info: bencodeInfo{
			Pieces:      pieces.String(),
			PieceLength: pieceLength,
			Length:      len(content),
			Name:        name,
		},
	}
	return bto.toTorrentFile()
}

// Marshal encodes t back into .torrent bytes
func (t *TorrentFile) Marshal() ([]byte, error) {
	var pieces bytes.Buffer
	for _, h := range t.PieceHashes {
		pieces.Write(h[:])
	}
	bto := bencodeTorrent{
		Announce: t.Announce,
		Info: bencodeInfo{
			Pieces:      pieces.String(),
			PieceLength: t.PieceLength,
			Length:      t.Length,
			Name:        t.Name,
		},
	}
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, bto); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// NumPieces returns the number of pieces of the torrent
func (t *TorrentFile) NumPieces() int {
	return len(t.PieceHashes)
}

// PieceBounds returns the byte range [begin, end) of piece index
func (t *TorrentFile) PieceBounds(index int) (begin int, end int) {
	begin = index * t.PieceLength
	end = begin + t.PieceLength
	if end > t.Length {
		end = t.Length
	}
	return begin, end
}

// PieceSize returns the length of piece index, the last one may be shorter
func (t *TorrentFile) PieceSize(index int) int {
	begin, end := t.PieceBounds(index)
	return end - begin
}

func (t *TorrentFile) HexInfoHash() string {
	return fmt.Sprintf("%x", t.InfoHash)
}

func (i *bencodeInfo) hash() ([20]byte, error) {
	var buf bytes.Buffer
	err := bencode.Marshal(&buf, *i)
	if err != nil {
		return [20]byte{}, err
	}
	h := sha1.Sum(buf.Bytes())
	return h, nil
}

func (i *bencodeInfo) splitPieceHashes() ([][20]byte, error) {
	hashLen := 20 // Length of SHA-1 hash
	buf := []byte(i.Pieces)
	if len(buf)%hashLen != 0 {
		err := fmt.Errorf("received malformed pieces of length %d", len(buf))
		return nil, err
	}
	numHashes := len(buf) / hashLen
	hashes := make([][20]byte, numHashes)

	for i := 0; i < numHashes; i++ {
		copy(hashes[i][:], buf[i*hashLen:(i+1)*hashLen])
	}
	return hashes, nil
}

func (bto *bencodeTorrent) toTorrentFile() (TorrentFile, error) {
	if bto.Info.PieceLength <= 0 {
		return TorrentFile{}, fmt.Errorf("invalid piece length %d", bto.Info.PieceLength)
	}
	infoHash, err := bto.Info.hash()
	if err != nil {
		return TorrentFile{}, err
	}
	pieceHashes, err := bto.Info.splitPieceHashes()
	if err != nil {
		return TorrentFile{}, err
	}
	expected := (bto.Info.Length + bto.Info.PieceLength - 1) / bto.Info.PieceLength
	if len(pieceHashes) != expected {
		return TorrentFile{}, fmt.Errorf("torrent declares %d pieces but length %d needs %d", len(pieceHashes), bto.Info.Length, expected)
	}

	t := TorrentFile{
		Announce:    bto.Announce,
		InfoHash:    infoHash,
		PieceHashes: pieceHashes,
		PieceLength: bto.Info.PieceLength,
		Length:      bto.Info.Length,
		Name:        bto.Info.Name,
	}
	return t, nil
}
