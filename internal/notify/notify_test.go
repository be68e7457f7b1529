package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMultiDeliversToEveryNotifier(t *testing.T) {
	var got []string
	record := func(name string, err error) Notifier {
		return Func(func(_ context.Context, msg Message) error {
			got = append(got, name+":"+msg.MarketID)
			return err
		})
	}
	failA, failB := errors.New("a down"), errors.New("b down")
	m := Multi{record("a", failA), nil, Log{}, record("b", failB), Discard}

	err := m.Notify(context.Background(), Message{MarketID: "g1", Kind: KindPricesUpdated, Text: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, failA)
	assert.ErrorIs(t, err, failB)
	assert.Equal(t, []string{"a:g1", "b:g1"}, got)
}

func TestMultiEmpty(t *testing.T) {
	assert.NoError(t, Multi{}.Notify(context.Background(), Message{}))
}
