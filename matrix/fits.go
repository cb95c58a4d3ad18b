package matrix

import (
	"fmt"
	"io"

	"github.com/astrogo/fitsio"
)

// Cards returns the FITS header cards describing t and the regions of out
func Cards(out *Output, t Timing) []fitsio.Card {
	cards := []fitsio.Card{
		{Name: "SAMPRATE", Value: t.SampleRate, Comment: "DAC sample rate, Hz"},
		{Name: "ONDUR", Value: t.OnDuration, Comment: "on duration, s"},
		{Name: "TAPERDUR", Value: t.TaperDuration, Comment: "taper duration, s"},
		{Name: "STIMFREQ", Value: t.StimFrequency, Comment: "stimulation frequency, Hz"},
		{Name: "WAVEFORM", Value: t.Kind.String()},
		{Name: "DUTYCYC", Value: t.DutyCycle, Comment: "square wave duty cycle, %"},
		{Name: "SWFREQ", Value: t.SwitchFrequency, Comment: "multi-site switch frequency, Hz"},
		{Name: "SWDUR", Value: t.SwitchDuration, Comment: "multi-site blanking, ms"},
		{Name: "ROWS", Value: "intensity,x,y"},
	}
	for _, gm := range out.Groups {
		cards = append(cards, fitsio.Card{
			Name:    fmt.Sprintf("REG%d", gm.Group),
			Value:   gm.Region,
			Comment: fmt.Sprintf("region of group %d", gm.Group),
		})
	}
	return cards
}

// WriteFITS streams out as a single float64 image with axes
// (samples, 3 rows, groups) to w
func WriteFITS(w io.Writer, out *Output, t Timing) error {
	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()

	n := out.Len()
	dims := []int{n, 3, out.NumGroups()}
	im := fitsio.NewImage(-64, dims)
	defer im.Close()
	if err = im.Header().Append(Cards(out, t)...); err != nil {
		return err
	}

	buf := make([]float64, 0, n*3*out.NumGroups())
	for _, gm := range out.Groups {
		buf = append(buf, gm.Intensity...)
		buf = append(buf, gm.X...)
		buf = append(buf, gm.Y...)
	}
	if err = im.Write(buf); err != nil {
		return err
	}
	return fits.Write(im)
}
